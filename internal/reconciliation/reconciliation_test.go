package reconciliation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/intentpay/internal/assignment"
	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/escrow"
	"github.com/mbd888/intentpay/internal/wallet"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReconciler struct {
	stale     []*escrow.ReconcileResult
	staleErr  error
	open      map[escrow.Status][]*escrow.Escrow
	outcomes  map[string]escrow.ReconcileOutcome
	failAudit map[string]error
	staleRuns int
}

func (f *fakeReconciler) ReconcileStale(_ context.Context, limit int) ([]*escrow.ReconcileResult, error) {
	f.staleRuns++
	if len(f.stale) > limit {
		return f.stale[:limit], f.staleErr
	}
	return f.stale, f.staleErr
}

func (f *fakeReconciler) Reconcile(_ context.Context, id string) (*escrow.ReconcileResult, error) {
	if err := f.failAudit[id]; err != nil {
		return nil, err
	}
	outcome, ok := f.outcomes[id]
	if !ok {
		outcome = escrow.ReconcileClean
	}
	return &escrow.ReconcileResult{EscrowID: id, Outcome: outcome}, nil
}

func (f *fakeReconciler) ListByStatus(_ context.Context, status escrow.Status, limit int) ([]*escrow.Escrow, error) {
	list := f.open[status]
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func TestRunAll_CountsOutcomes(t *testing.T) {
	f := &fakeReconciler{
		stale: []*escrow.ReconcileResult{
			{EscrowID: "a", Outcome: escrow.ReconcileApplied},
			{EscrowID: "b", Outcome: escrow.ReconcileApplied},
			{EscrowID: "c", Outcome: escrow.ReconcileFailed},
			{EscrowID: "d", Outcome: escrow.ReconcilePending},
			{EscrowID: "e", Outcome: escrow.ReconcileUnresolved},
		},
	}
	r := NewRunner(f, discardLogger())

	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.Stale != 5 || report.Applied != 2 || report.Failed != 1 || report.Pending != 1 || report.Unresolved != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if report.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestRunAll_BatchSize(t *testing.T) {
	f := &fakeReconciler{}
	for i := 0; i < 10; i++ {
		f.stale = append(f.stale, &escrow.ReconcileResult{Outcome: escrow.ReconcileApplied})
	}
	r := NewRunner(f, discardLogger())
	r.SetBatchSize(3)
	r.SetBatchSize(0) // ignored

	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.Stale != 3 {
		t.Errorf("expected batch of 3, got %d", report.Stale)
	}
}

func TestRunAll_AuditsOpenEscrows(t *testing.T) {
	f := &fakeReconciler{
		open: map[escrow.Status][]*escrow.Escrow{
			escrow.StatusDeposited: {{ID: "esc_1"}, {ID: "esc_2"}},
			escrow.StatusDisputed:  {{ID: "esc_3"}},
			escrow.StatusReleased:  {{ID: "esc_4"}},
		},
		outcomes: map[string]escrow.ReconcileOutcome{"esc_2": escrow.ReconcileDiverged},
	}
	r := NewRunner(f, discardLogger())

	report, err := r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.Audited != 3 {
		t.Errorf("expected 3 audited (terminal escrows skipped), got %d", report.Audited)
	}
	if len(report.Diverged) != 1 || report.Diverged[0].EscrowID != "esc_2" {
		t.Errorf("expected esc_2 diverged, got %+v", report.Diverged)
	}

	r.SetAuditLimit(0)
	report, err = r.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.Audited != 0 {
		t.Errorf("audit disabled, got %d", report.Audited)
	}
}

func TestRunAll_JoinsErrors(t *testing.T) {
	staleErr := errors.New("journal unavailable")
	auditErr := errors.New("ledger rpc down")
	f := &fakeReconciler{
		stale:     []*escrow.ReconcileResult{{EscrowID: "a", Outcome: escrow.ReconcileApplied}},
		staleErr:  staleErr,
		open:      map[escrow.Status][]*escrow.Escrow{escrow.StatusDeposited: {{ID: "esc_1"}, {ID: "esc_2"}}},
		failAudit: map[string]error{"esc_1": auditErr},
	}
	r := NewRunner(f, discardLogger())

	report, err := r.RunAll(context.Background())
	if !errors.Is(err, staleErr) || !errors.Is(err, auditErr) {
		t.Fatalf("expected both errors joined, got %v", err)
	}
	if report.Applied != 1 || report.Audited != 1 {
		t.Errorf("partial work should still be reported: %+v", report)
	}
}

func TestTimer_RunsOnStartAndStops(t *testing.T) {
	f := &fakeReconciler{}
	timer := NewTimer(NewRunner(f, discardLogger()), time.Hour, discardLogger())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !timer.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	timer.Stop()
	timer.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
	if f.staleRuns != 1 {
		t.Errorf("expected one sweep on start, got %d", f.staleRuns)
	}
	if timer.Running() {
		t.Error("timer still reports running")
	}
}

func TestTimer_StopsOnContextCancel(t *testing.T) {
	timer := NewTimer(NewRunner(&fakeReconciler{}, nil), 0, nil)
	if timer.interval != time.Minute {
		t.Errorf("expected default interval, got %v", timer.interval)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer ignored context cancellation")
	}
}

func TestTimer_TriggerRunsExtraSweep(t *testing.T) {
	f := &fakeReconciler{}
	timer := NewTimer(NewRunner(f, discardLogger()), time.Hour, discardLogger())
	if !timer.LastSweep().IsZero() {
		t.Fatal("no sweep has run yet")
	}

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	waitFor := func(cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatal("timed out waiting for sweep")
			}
			time.Sleep(time.Millisecond)
		}
	}
	waitFor(func() bool { return !timer.LastSweep().IsZero() })
	first := timer.LastSweep()

	timer.Trigger()
	timer.Trigger() // coalesced or queued behind the first, never blocks
	waitFor(func() bool { return timer.LastSweep().After(first) })

	timer.Stop()
	<-done
	if f.staleRuns < 2 || f.staleRuns > 3 {
		t.Errorf("expected the boot sweep plus triggered sweeps, got %d", f.staleRuns)
	}
}

type panickingReconciler struct{ fakeReconciler }

func (p *panickingReconciler) ReconcileStale(context.Context, int) ([]*escrow.ReconcileResult, error) {
	panic("boom")
}

func TestTimer_RecoversFromPanic(t *testing.T) {
	timer := NewTimer(NewRunner(&panickingReconciler{}, nil), time.Hour, discardLogger())
	timer.safeRun(context.Background())
}

// TestRunAll_SettlesAbandonedRelease drives a real coordinator: a release
// times out waiting for finality, the ledger later finalizes it, and the
// sweep mirrors the outcome.
func TestRunAll_SettlesAbandonedRelease(t *testing.T) {
	ctx := context.Background()
	ledger := chain.NewMemoryLedger(31337, "0x00000000000000000000000000000000000E5c40")
	owner, err := wallet.NewKeySigner("ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", ledger)
	if err != nil {
		t.Fatal(err)
	}
	agent, err := wallet.NewKeySigner("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", ledger)
	if err != nil {
		t.Fatal(err)
	}

	assignments := assignment.NewService(assignment.NewMemoryStore(), discardLogger())
	if _, _, err := assignments.Assign(ctx, "intent_1", "agent_1", owner.Address(), agent.Address()); err != nil {
		t.Fatal(err)
	}

	svc := escrow.NewService(escrow.NewMemoryStore(), ledger, assignments, discardLogger()).
		WithConfig(escrow.Config{ConfirmTimeout: 20 * time.Millisecond, StaleAfter: time.Millisecond})

	e, err := svc.Deposit(ctx, "intent_1", "agent_1", "25", owner)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}

	ledger.HoldFinality(true)
	_, err = svc.Release(ctx, e.ID, owner)
	if !errors.Is(err, escrow.ErrConfirmationTimeout) {
		t.Fatalf("expected confirmation timeout, got %v", err)
	}
	ref := escrow.TxRefOf(err)
	time.Sleep(5 * time.Millisecond)

	runner := NewRunner(svc, discardLogger())
	report, err := runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.Pending != 1 {
		t.Fatalf("expected the release to still be pending, got %+v", report)
	}

	if err := ledger.Finalize(ref); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	report, err = runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if report.Applied != 1 {
		t.Fatalf("expected the release to be applied, got %+v", report)
	}

	got, err := svc.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != escrow.StatusReleased || got.ReleaseTxRef != ref.String() {
		t.Errorf("escrow not settled: %+v", got)
	}
	if len(report.Diverged) != 0 {
		t.Errorf("unexpected divergences: %+v", report.Diverged)
	}
}
