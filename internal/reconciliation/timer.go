package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timer runs reconciliation sweeps on an interval and on demand.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	trigger  chan struct{}
	running  atomic.Bool
	lastRun  atomic.Int64 // unix nanos of the last completed sweep
}

// NewTimer creates a reconciliation timer. A non-positive interval falls
// back to one minute.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		trigger:  make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Interval is the configured time between sweeps.
func (t *Timer) Interval() time.Duration {
	return t.interval
}

// LastSweep returns when the most recent sweep finished (zero before the first).
func (t *Timer) LastSweep() time.Time {
	n := t.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Trigger asks for a sweep as soon as the loop is free. Requests made while
// one is already pending are coalesced.
func (t *Timer) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Start runs the loop until ctx ends or Stop is called. Call in a goroutine.
// The first sweep runs immediately so operations abandoned by a previous
// process are settled on boot.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeRun(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-t.trigger:
			t.safeRun(ctx)
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// safeRun bounds one sweep by the interval so a hung ledger query cannot
// stall every later sweep.
func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, t.interval)
	defer cancel()

	if _, err := t.runner.RunAll(ctx); err != nil {
		t.logger.Warn("reconciliation sweep incomplete", "error", err)
	}
	t.lastRun.Store(time.Now().UnixNano())
}
