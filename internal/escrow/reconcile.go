package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/logging"
	"github.com/mbd888/intentpay/internal/traces"
)

// ReconcileOutcome summarizes what reconciliation did for one escrow or tx.
type ReconcileOutcome string

const (
	ReconcileClean      ReconcileOutcome = "clean"      // nothing in flight, recorded refs verified
	ReconcileApplied    ReconcileOutcome = "applied"    // a confirmed tx was mirrored
	ReconcileFailed     ReconcileOutcome = "failed"     // tx reverted or never landed; operation closed
	ReconcilePending    ReconcileOutcome = "pending"    // the ledger has not decided yet
	ReconcileUnresolved ReconcileOutcome = "unresolved" // mirror write still failing
	ReconcileDiverged   ReconcileOutcome = "diverged"   // recorded refs disagree with the ledger
)

// ReconcileResult reports the outcome for one escrow.
type ReconcileResult struct {
	EscrowID    string           `json:"escrowId"`
	Outcome     ReconcileOutcome `json:"outcome"`
	TxRef       string           `json:"txRef,omitempty"`
	Operation   *Operation       `json:"operation,omitempty"`
	Escrow      *Escrow          `json:"escrow,omitempty"`
	Divergences []string         `json:"divergences,omitempty"`
}

var errNeverLanded = errors.New("transaction never reached the ledger")

// Reconcile compares ledger truth against the mirror for one escrow. An
// in-flight operation is settled from its journaled tx; otherwise every
// recorded tx ref is checked against the ledger and mismatches are reported.
func (s *Service) Reconcile(ctx context.Context, escrowID string) (_ *ReconcileResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Reconcile", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()

	op, err := s.store.InFlightOperation(ctx, escrowID)
	switch {
	case err == nil:
		return s.reconcileOperation(ctx, op)
	case !errors.Is(err, ErrNoOperation):
		return nil, err
	}

	res := &ReconcileResult{EscrowID: escrowID, Outcome: ReconcileClean}
	e, err := s.store.Get(ctx, escrowID)
	if errors.Is(err, ErrEscrowNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.Escrow = e

	res.Divergences, err = s.verifyMirror(ctx, e)
	if err != nil {
		return nil, err
	}
	if len(res.Divergences) > 0 {
		res.Outcome = ReconcileDiverged
		logging.Critical(ctx, s.logger, "escrow mirror disagrees with ledger",
			"escrow_id", escrowID, "divergences", res.Divergences)
	}
	reconcileTotal.WithLabelValues(string(res.Outcome)).Inc()
	return res, nil
}

// verifyMirror checks that every tx ref on the record landed and did what the
// record claims.
func (s *Service) verifyMirror(ctx context.Context, e *Escrow) ([]string, error) {
	checks := []struct {
		ref string
		op  chain.Op
	}{
		{e.DepositTxRef, chain.OpInitialize},
		{e.ReleaseTxRef, ""},
		{e.RefundTxRef, ""},
	}
	if e.ReleaseTxRef != "" && e.RefundTxRef != "" {
		return []string{"both release and refund refs recorded"}, nil
	}

	var divergences []string
	for _, c := range checks {
		if c.ref == "" {
			continue
		}
		rec, err := s.ledger.GetTransaction(ctx, chain.TxRef(c.ref))
		if errors.Is(err, chain.ErrTxNotFound) {
			divergences = append(divergences, fmt.Sprintf("%s: not found on ledger", c.ref))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query ledger for %s: %w", c.ref, err)
		}
		if rec.Status != chain.TxSucceeded {
			divergences = append(divergences, fmt.Sprintf("%s: ledger status %s", c.ref, rec.Status))
			continue
		}
		if rec.Instruction == nil || rec.Instruction.EscrowID != e.ID {
			divergences = append(divergences, fmt.Sprintf("%s: not an instruction for this escrow", c.ref))
			continue
		}
		if c.op != "" && rec.Instruction.Op != c.op {
			divergences = append(divergences, fmt.Sprintf("%s: ledger op %s, expected %s", c.ref, rec.Instruction.Op, c.op))
		}
	}
	return divergences, nil
}

// ReconcileTx mirrors a specific ledger transaction. It is the repair path
// for txs the journal never saw, such as a deposit whose process died before
// the journal entry was written, or an operator replaying ledger history.
func (s *Service) ReconcileTx(ctx context.Context, ref chain.TxRef) (_ *ReconcileResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReconcileTx", traces.TxRef(ref.String()))
	defer func() { traces.End(span, err) }()

	rec, err := s.ledger.GetTransaction(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("query ledger for %s: %w", ref, err)
	}
	if rec.Instruction == nil {
		return nil, fmt.Errorf("%w: %s carries no escrow instruction", chain.ErrUnknownOp, ref)
	}
	kind, ok := opKindFor(rec.Instruction.Op)
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnknownOp, rec.Instruction.Op)
	}

	op, err := s.store.GetOperationByTxRef(ctx, ref.String())
	if errors.Is(err, ErrOperationNotFound) {
		op = &Operation{
			EscrowID:    rec.Instruction.EscrowID,
			Kind:        kind,
			State:       OpSubmitted,
			TxRef:       ref.String(),
			Signer:      rec.From,
			Instruction: *rec.Instruction,
		}
	} else if err != nil {
		return nil, err
	}
	return s.settle(ctx, op, rec)
}

// ReconcileStale settles in-flight operations that nobody has touched for
// longer than the stale threshold. Failures are collected, not fatal.
func (s *Service) ReconcileStale(ctx context.Context, limit int) ([]*ReconcileResult, error) {
	ops, err := s.store.ListStaleOperations(ctx, s.now().Add(-s.staleAfter()), limit)
	if err != nil {
		return nil, err
	}

	var (
		results []*ReconcileResult
		errs    []error
	)
	for _, op := range ops {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := s.reconcileOperation(ctx, op)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op.EscrowID, err))
		}
	}
	return results, errors.Join(errs...)
}

// reconcileOperation asks the ledger what became of a journaled operation.
func (s *Service) reconcileOperation(ctx context.Context, op *Operation) (*ReconcileResult, error) {
	res := &ReconcileResult{EscrowID: op.EscrowID, TxRef: op.TxRef, Operation: op}
	logger := logging.L(ctx).With("escrow_id", op.EscrowID, "op", op.Kind, "op_id", op.ID)

	if op.TxRef == "" {
		// Reserved but never handed to the ledger.
		if !s.isStale(op) {
			res.Outcome = ReconcilePending
			return res, nil
		}
		s.finish(ctx, op, OpFailed, errNeverLanded)
		logger.Info("abandoned operation closed before submission")
		res.Outcome = ReconcileFailed
		reconcileTotal.WithLabelValues(string(res.Outcome)).Inc()
		return res, nil
	}

	rec, err := s.ledger.GetTransaction(ctx, chain.TxRef(op.TxRef))
	if errors.Is(err, chain.ErrTxNotFound) {
		if !s.isStale(op) {
			res.Outcome = ReconcilePending
			return res, nil
		}
		s.finish(ctx, op, OpFailed, errNeverLanded)
		logger.Info("journaled transaction never landed", "tx_ref", op.TxRef)
		res.Outcome = ReconcileFailed
		reconcileTotal.WithLabelValues(string(res.Outcome)).Inc()
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ledger for %s: %w", op.TxRef, err)
	}
	return s.settle(ctx, op, rec)
}

// settle applies a ledger record's verdict to a (possibly synthesized) operation.
func (s *Service) settle(ctx context.Context, op *Operation, rec *chain.TxRecord) (*ReconcileResult, error) {
	res := &ReconcileResult{EscrowID: op.EscrowID, TxRef: rec.Ref.String(), Operation: op}

	switch rec.Status {
	case chain.TxPending:
		res.Outcome = ReconcilePending
		return res, nil
	case chain.TxFailed:
		if op.State.InFlight() {
			s.finish(ctx, op, OpFailed, chain.ErrReverted)
		}
		res.Outcome = ReconcileFailed
		reconcileTotal.WithLabelValues(string(res.Outcome)).Inc()
		return res, nil
	}

	out, err := s.persist(ctx, op, rec.Ref, rec.From)
	if err != nil {
		res.Outcome = ReconcileUnresolved
		reconcileTotal.WithLabelValues(string(res.Outcome)).Inc()
		return res, err
	}
	res.Outcome = ReconcileApplied
	res.Escrow = out.escrow
	reconcileTotal.WithLabelValues(string(res.Outcome)).Inc()
	logging.L(ctx).Info("reconciled escrow from ledger", "escrow_id", op.EscrowID, "tx_ref", rec.Ref, "status", out.escrow.Status)
	return res, nil
}
