package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/intentpay/internal/circuitbreaker"
)

// flakyClient returns err from every call and counts what reached it.
type flakyClient struct {
	err      error
	submits  int
	confirms int
	gets     int
}

func (f *flakyClient) SubmitTransaction(context.Context, SignedPayload) (TxRef, error) {
	f.submits++
	if f.err != nil {
		return "", f.err
	}
	return "0xabc", nil
}

func (f *flakyClient) ConfirmTransaction(context.Context, TxRef) (Confirmation, error) {
	f.confirms++
	return Confirmation{Finalized: true}, f.err
}

func (f *flakyClient) GetTransaction(_ context.Context, ref TxRef) (*TxRecord, error) {
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	return &TxRecord{Ref: ref, Status: TxSucceeded}, nil
}

func TestBreakerClient_TripsOnEndpointFailures(t *testing.T) {
	next := &flakyClient{err: errors.New("connection refused")}
	client := NewBreakerClient(next, circuitbreaker.New(3, time.Hour))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.SubmitTransaction(ctx, SignedPayload{})
		assert.ErrorContains(t, err, "connection refused")
	}
	assert.Equal(t, circuitbreaker.StateOpen, client.SubmitState())

	_, err := client.SubmitTransaction(ctx, SignedPayload{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, next.submits, "open circuit must not reach the endpoint")

	// Confirmation waits pass through regardless.
	_, err = client.ConfirmTransaction(ctx, "0xabc")
	assert.Error(t, err)
	assert.Equal(t, 1, next.confirms)
}

func TestBreakerClient_LedgerAnswersDoNotTrip(t *testing.T) {
	for _, answer := range []error{ErrInvalidPayload, ErrTxNotFound, ErrUnknownOp, context.Canceled} {
		t.Run(answer.Error(), func(t *testing.T) {
			next := &flakyClient{err: answer}
			client := NewBreakerClient(next, circuitbreaker.New(2, time.Hour))
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				_, err := client.SubmitTransaction(ctx, SignedPayload{})
				assert.ErrorIs(t, err, answer)
				_, err = client.GetTransaction(ctx, "0xabc")
				assert.ErrorIs(t, err, answer)
			}
			assert.Equal(t, circuitbreaker.StateClosed, client.SubmitState())
			assert.Equal(t, 5, next.submits)
			assert.Equal(t, 5, next.gets)
		})
	}
}

func TestBreakerClient_QueryCircuitIndependent(t *testing.T) {
	next := &flakyClient{err: errors.New("timeout")}
	client := NewBreakerClient(next, circuitbreaker.New(2, time.Hour))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = client.GetTransaction(ctx, "0xabc")
	}
	_, err := client.GetTransaction(ctx, "0xabc")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, circuitbreaker.StateClosed, client.SubmitState())

	next.err = nil
	ref, err := client.SubmitTransaction(ctx, SignedPayload{})
	require.NoError(t, err)
	assert.Equal(t, TxRef("0xabc"), ref)
}
