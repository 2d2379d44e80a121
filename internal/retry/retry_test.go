package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errDeadlock = errors.New("pq: deadlock detected")
	errConflict = errors.New("escrow status changed concurrently")
)

// script returns fn that yields errs in order and then succeeds.
func script(calls *int, errs ...error) func() error {
	return func() error {
		*calls++
		if *calls <= len(errs) {
			return errs[*calls-1]
		}
		return nil
	}
}

func TestPolicyDo(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{"first attempt", 3, nil, 1, nil},
		{"transient then ok", 3, []error{errDeadlock, errDeadlock}, 3, nil},
		{"exhausted", 3, []error{errDeadlock, errDeadlock, errDeadlock}, 3, errDeadlock},
		{"permanent stops", 5, []error{Permanent(errConflict)}, 1, errConflict},
		{"permanent after transient", 5, []error{errDeadlock, Permanent(errConflict)}, 2, errConflict},
		{"wrapped permanent", 5, []error{fmt.Errorf("apply: %w", Permanent(errConflict))}, 1, errConflict},
		{"zero attempts means one", 0, []error{errDeadlock}, 1, errDeadlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Policy{Attempts: tt.attempts, BaseDelay: time.Millisecond}.Do(context.Background(), script(&calls, tt.errs...))
			if !errors.Is(err, tt.wantErr) || (tt.wantErr == nil && err != nil) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestPermanentReturnedUnwrapped(t *testing.T) {
	err := Policy{Attempts: 2}.Do(context.Background(), func() error { return Permanent(errConflict) })
	var pe *PermanentError
	if errors.As(err, &pe) {
		t.Fatal("Do must strip the permanent marker")
	}
	if err != errConflict {
		t.Fatalf("err = %v, want the inner error itself", err)
	}
}

func TestPolicyDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Policy{Attempts: 10, BaseDelay: 100 * time.Millisecond}.Do(ctx, func() error {
		calls.Add(1)
		return errDeadlock
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c := calls.Load(); c > 2 {
		t.Fatalf("expected the backoff sleep to be interrupted, got %d calls", c)
	}
}

func TestPolicyDo_OnRetry(t *testing.T) {
	var retried []int
	p := Policy{
		Attempts:  3,
		BaseDelay: time.Millisecond,
		OnRetry:   func(attempt int, _ error) { retried = append(retried, attempt) },
	}
	if err := p.Do(context.Background(), func() error { return errDeadlock }); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("OnRetry attempts = %v, want [1 2]", retried)
	}
}

func TestPolicyDo_MaxDelayCapsBackoff(t *testing.T) {
	p := Policy{Attempts: 4, BaseDelay: time.Second, MaxDelay: 5 * time.Millisecond}
	start := time.Now()
	_ = p.Do(context.Background(), func() error { return errDeadlock })
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected capped backoff, took %v", elapsed)
	}
}

func TestCryptoInt64n(t *testing.T) {
	if cryptoInt64n(0) != 0 || cryptoInt64n(-3) != 0 {
		t.Fatal("non-positive bound must yield 0")
	}
	for i := 0; i < 100; i++ {
		if v := cryptoInt64n(7); v < 0 || v >= 7 {
			t.Fatalf("out of range: %d", v)
		}
	}
}
