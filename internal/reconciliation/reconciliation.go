// Package reconciliation sweeps the escrow journal for operations that were
// abandoned mid-flight and audits open escrows against the ledger.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/intentpay/internal/escrow"
	"github.com/mbd888/intentpay/internal/logging"
)

// Reconciler is the slice of the escrow coordinator a sweep needs.
type Reconciler interface {
	ReconcileStale(ctx context.Context, limit int) ([]*escrow.ReconcileResult, error)
	Reconcile(ctx context.Context, escrowID string) (*escrow.ReconcileResult, error)
	ListByStatus(ctx context.Context, status escrow.Status, limit int) ([]*escrow.Escrow, error)
}

// Report summarizes one sweep.
type Report struct {
	StartedAt  time.Time                 `json:"startedAt"`
	Duration   time.Duration             `json:"duration"`
	Stale      int                       `json:"stale"`
	Applied    int                       `json:"applied"`
	Failed     int                       `json:"failed"`
	Pending    int                       `json:"pending"`
	Unresolved int                       `json:"unresolved"`
	Audited    int                       `json:"audited"`
	Diverged   []*escrow.ReconcileResult `json:"diverged,omitempty"`
	Results    []*escrow.ReconcileResult `json:"results,omitempty"`
}

// Runner performs reconciliation sweeps.
type Runner struct {
	escrows    Reconciler
	logger     *slog.Logger
	batchSize  int
	auditLimit int
}

// NewRunner creates a sweep runner over the coordinator.
func NewRunner(escrows Reconciler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		escrows:    escrows,
		logger:     logger,
		batchSize:  100,
		auditLimit: 50,
	}
}

// SetBatchSize caps how many stale operations one sweep settles.
func (r *Runner) SetBatchSize(n int) {
	if n > 0 {
		r.batchSize = n
	}
}

// SetAuditLimit caps how many open escrows per status one sweep audits.
// Zero disables the audit.
func (r *Runner) SetAuditLimit(n int) {
	if n >= 0 {
		r.auditLimit = n
	}
}

// RunAll settles stale operations, then audits open escrows for
// divergence. Per-escrow failures are joined into the returned error; the
// report covers everything that did complete.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now()}
	defer func() {
		report.Duration = time.Since(report.StartedAt)
		reconcileDuration.Observe(report.Duration.Seconds())
	}()

	var errs []error

	results, err := r.escrows.ReconcileStale(ctx, r.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("stale sweep: %w", err))
	}
	report.Stale = len(results)
	report.Results = results
	for _, res := range results {
		switch res.Outcome {
		case escrow.ReconcileApplied:
			report.Applied++
		case escrow.ReconcileFailed:
			report.Failed++
		case escrow.ReconcilePending:
			report.Pending++
		case escrow.ReconcileUnresolved:
			report.Unresolved++
		}
	}

	if r.auditLimit > 0 {
		for _, status := range []escrow.Status{escrow.StatusDeposited, escrow.StatusDisputed} {
			if err := r.audit(ctx, status, report); err != nil {
				errs = append(errs, err)
			}
		}
	}

	reconcileStaleOperations.Set(float64(report.Stale))
	reconcileUnresolved.Set(float64(report.Unresolved))
	reconcileDivergences.Set(float64(len(report.Diverged)))

	err = errors.Join(errs...)
	if err != nil {
		reconcileErrors.Inc()
	}

	logger := r.logger
	if report.Unresolved > 0 || len(report.Diverged) > 0 {
		logging.Critical(ctx, logger, "reconciliation found inconsistencies",
			"unresolved", report.Unresolved, "diverged", len(report.Diverged))
	} else if report.Stale > 0 {
		logger.Info("reconciliation sweep settled operations",
			"stale", report.Stale, "applied", report.Applied,
			"failed", report.Failed, "pending", report.Pending)
	}
	return report, err
}

func (r *Runner) audit(ctx context.Context, status escrow.Status, report *Report) error {
	open, err := r.escrows.ListByStatus(ctx, status, r.auditLimit)
	if err != nil {
		return fmt.Errorf("list %s escrows: %w", status, err)
	}

	var errs []error
	for _, e := range open {
		if ctx.Err() != nil {
			return errors.Join(append(errs, ctx.Err())...)
		}
		res, err := r.escrows.Reconcile(ctx, e.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.ID, err))
			continue
		}
		report.Audited++
		if res.Outcome == escrow.ReconcileDiverged {
			report.Diverged = append(report.Diverged, res)
		}
	}
	return errors.Join(errs...)
}
