package chain

import (
	"context"
	"errors"

	"github.com/mbd888/intentpay/internal/circuitbreaker"
)

const (
	breakerSubmit = "ledger.submit"
	breakerQuery  = "ledger.query"
)

// BreakerClient sheds submissions while the ledger endpoint is failing.
// Confirmation waits are never short-circuited: once a transaction is out,
// its outcome has to be observed.
type BreakerClient struct {
	next    Client
	breaker *circuitbreaker.Breaker
}

var _ Client = (*BreakerClient)(nil)

// NewBreakerClient wraps next with the given breaker.
func NewBreakerClient(next Client, breaker *circuitbreaker.Breaker) *BreakerClient {
	return &BreakerClient{next: next, breaker: breaker}
}

func (b *BreakerClient) SubmitTransaction(ctx context.Context, payload SignedPayload) (TxRef, error) {
	var ref TxRef
	err := b.breaker.Execute(breakerSubmit, func() error {
		var err error
		ref, err = b.next.SubmitTransaction(ctx, payload)
		return err
	}, isEndpointFailure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "", ErrCircuitOpen
	}
	return ref, err
}

func (b *BreakerClient) ConfirmTransaction(ctx context.Context, ref TxRef) (Confirmation, error) {
	return b.next.ConfirmTransaction(ctx, ref)
}

func (b *BreakerClient) GetTransaction(ctx context.Context, ref TxRef) (*TxRecord, error) {
	var rec *TxRecord
	err := b.breaker.Execute(breakerQuery, func() error {
		var err error
		rec, err = b.next.GetTransaction(ctx, ref)
		return err
	}, isEndpointFailure)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, ErrCircuitOpen
	}
	return rec, err
}

// SubmitState reports the submission circuit's state.
func (b *BreakerClient) SubmitState() circuitbreaker.State {
	return b.breaker.State(breakerSubmit)
}

// isEndpointFailure separates transport trouble from answers the ledger gave.
func isEndpointFailure(err error) bool {
	return !errors.Is(err, ErrInvalidPayload) &&
		!errors.Is(err, ErrTxNotFound) &&
		!errors.Is(err, ErrUnknownOp) &&
		!errors.Is(err, context.Canceled)
}
