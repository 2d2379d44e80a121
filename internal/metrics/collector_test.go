package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestLedgerSampler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	LedgerSampler(func(context.Context) (uint64, error) { return 4242, nil }, time.Second, logger)(context.Background())
	if got := testutil.ToFloat64(LedgerHeadBlock); got != 4242 {
		t.Errorf("ledger head = %v, want 4242", got)
	}

	before := testutil.ToFloat64(LedgerProbeFailures)
	LedgerSampler(func(context.Context) (uint64, error) { return 0, errors.New("dial tcp: refused") }, time.Second, logger)(context.Background())
	if got := testutil.ToFloat64(LedgerProbeFailures); got != before+1 {
		t.Errorf("probe failures = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(LedgerHeadBlock); got != 4242 {
		t.Errorf("failed probe must keep the last head, got %v", got)
	}
}

func TestLedgerSampler_Timeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var sawDeadline atomic.Bool
	LedgerSampler(func(ctx context.Context) (uint64, error) {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		return 1, nil
	}, 50*time.Millisecond, logger)(context.Background())

	if !sawDeadline.Load() {
		t.Error("probe context should carry the sampler timeout")
	}
}

func TestRunCollector(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunCollector(ctx, 10*time.Millisecond, func(context.Context) { calls.Add(1) }, RuntimeSampler())
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}

	if n := calls.Load(); n < 3 {
		t.Errorf("sampler ran %d times, want at least 3", n)
	}
	if testutil.ToFloat64(GoroutineCount) <= 0 {
		t.Error("goroutine gauge not sampled")
	}
}
