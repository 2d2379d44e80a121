package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/idgen"
	"github.com/mbd888/intentpay/internal/logging"
	"github.com/mbd888/intentpay/internal/pagination"
	"github.com/mbd888/intentpay/internal/retry"
	"github.com/mbd888/intentpay/internal/syncutil"
	"github.com/mbd888/intentpay/internal/traces"
	"github.com/mbd888/intentpay/internal/usdc"
)

// MaxReasonLength bounds the free-text dispute rationale.
const MaxReasonLength = 2000

const zeroAmount = "0.000000"

// AssignmentResolver answers who pays and who gets paid for an (intent, agent) pair.
type AssignmentResolver interface {
	// ResolveAssignment returns ErrNotAssigned when the agent is not matched to the intent.
	ResolveAssignment(ctx context.Context, intentID, agentID string) (ownerAddr, agentAddr string, err error)
}

// ArbiterSet decides who may resolve disputes.
type ArbiterSet interface {
	IsArbiter(addr string) bool
}

// EventEmitter receives lifecycle events after the mirror has been updated.
type EventEmitter interface {
	EmitEscrowEvent(eventType string, data map[string]any)
}

// Event types passed to EventEmitter.
const (
	EventDeposited         = "escrow.deposited"
	EventReleased          = "escrow.released"
	EventRefunded          = "escrow.refunded"
	EventDisputed          = "escrow.disputed"
	EventResolved          = "dispute.resolved"
	EventReconcileRequired = "escrow.reconcile_required"
)

// Config tunes ledger waits and mirror write retries.
type Config struct {
	// ConfirmTimeout bounds the wait for ledger finality.
	ConfirmTimeout time.Duration
	// StaleAfter is how long an in-flight operation may sit untouched before
	// an observer reconciles it. Zero means ConfirmTimeout.
	StaleAfter time.Duration
	// PersistAttempts and PersistBackoff govern mirror writes after a
	// confirmed transaction. Ledger submissions are never retried.
	PersistAttempts int
	PersistBackoff  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout:  90 * time.Second,
		PersistAttempts: 5,
		PersistBackoff:  100 * time.Millisecond,
	}
}

// Service implements the escrow settlement coordinator.
type Service struct {
	store       Store
	ledger      chain.Client
	assignments AssignmentResolver
	arbiters    ArbiterSet
	events      EventEmitter
	logger      *slog.Logger
	cfg         Config
	locks       syncutil.ContextShardedMutex // per-escrow critical section around precondition checks
	now         func() time.Time
}

// NewService creates a new escrow coordinator.
func NewService(store Store, ledger chain.Client, assignments AssignmentResolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		ledger:      ledger,
		assignments: assignments,
		logger:      logger,
		cfg:         DefaultConfig(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithArbiters sets who may resolve disputes. Without it every Resolve is rejected.
func (s *Service) WithArbiters(a ArbiterSet) *Service {
	s.arbiters = a
	return s
}

// WithEvents adds a lifecycle event emitter.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithConfig overrides timeouts and retry settings. Zero fields keep defaults.
func (s *Service) WithConfig(cfg Config) *Service {
	def := DefaultConfig()
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = def.PersistAttempts
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = def.PersistBackoff
	}
	s.cfg = cfg
	return s
}

func (s *Service) staleAfter() time.Duration {
	if s.cfg.StaleAfter > 0 {
		return s.cfg.StaleAfter
	}
	return s.cfg.ConfirmTimeout
}

// Deposit locks amount in the program for (intentID, agentID) and mirrors
// the escrow once the ledger confirms it.
func (s *Service) Deposit(ctx context.Context, intentID, agentID, amount string, signer chain.Signer) (_ *Escrow, err error) {
	escrowID := DeriveID(intentID, agentID)
	ctx, span := traces.StartSpan(ctx, "escrow.Deposit",
		traces.EscrowID(escrowID), traces.IntentID(intentID), traces.AgentID(agentID), traces.Amount(amount))
	defer func() { traces.End(span, err) }()
	defer observeOperation(OpDeposit, time.Now(), &err)

	units, perr := usdc.ParsePositive(amount)
	if perr != nil {
		return nil, precondition(OpDeposit, escrowID, fmt.Errorf("%w: %v", ErrInvalidAmount, perr))
	}
	if signer == nil {
		return nil, precondition(OpDeposit, escrowID, ErrUnauthorized)
	}

	owner, payee, aerr := s.assignments.ResolveAssignment(ctx, intentID, agentID)
	if errors.Is(aerr, ErrNotAssigned) {
		return nil, precondition(OpDeposit, escrowID, aerr)
	}
	if aerr != nil {
		return nil, fmt.Errorf("resolve assignment: %w", aerr)
	}
	if !chain.SameAddress(signer.Address(), owner) {
		return nil, precondition(OpDeposit, escrowID, fmt.Errorf("%w: deposit must be signed by the intent owner", ErrUnauthorized))
	}

	op := s.newOperation(OpDeposit, escrowID, signer.Address(), "", chain.Instruction{
		Op:       chain.OpInitialize,
		EscrowID: escrowID,
		IntentID: intentID,
		AgentID:  agentID,
		Payee:    payee,
		Amount:   units,
	})

	err = s.locks.WithLock(ctx, escrowID, func() error {
		if _, err := s.store.GetByPair(ctx, intentID, agentID); err == nil {
			return precondition(OpDeposit, escrowID, ErrDuplicateEscrow)
		} else if !errors.Is(err, ErrEscrowNotFound) {
			return err
		}
		if err := s.store.BeginOperation(ctx, op); err != nil {
			if errors.Is(err, ErrOperationInFlight) {
				return precondition(OpDeposit, escrowID, fmt.Errorf("%w: a deposit is already in flight", ErrDuplicateEscrow))
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out, err := s.execute(ctx, op, signer)
	if err != nil {
		return nil, err
	}
	return out.escrow, nil
}

// Release pays the escrow to the agent. Only the intent owner may release.
func (s *Service) Release(ctx context.Context, escrowID string, signer chain.Signer) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()
	defer observeOperation(OpRelease, time.Now(), &err)

	op, err := s.reserve(ctx, OpRelease, escrowID, "", signer, func(e *Escrow) (chain.Instruction, error) {
		if e.Status != StatusDeposited {
			return chain.Instruction{}, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
		}
		if !chain.SameAddress(signer.Address(), e.OwnerAddr) {
			return chain.Instruction{}, fmt.Errorf("%w: only the intent owner can release", ErrUnauthorized)
		}
		return chain.Instruction{Op: chain.OpRelease, EscrowID: e.ID, Payee: e.AgentAddr}, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := s.execute(ctx, op, signer)
	if err != nil {
		return nil, err
	}
	return out.escrow, nil
}

// Refund returns the escrow to the owner. The agent signs it, giving the
// funds back voluntarily; an owner who wants them back opens a dispute.
func (s *Service) Refund(ctx context.Context, escrowID string, signer chain.Signer) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()
	defer observeOperation(OpRefund, time.Now(), &err)

	op, err := s.reserve(ctx, OpRefund, escrowID, "", signer, func(e *Escrow) (chain.Instruction, error) {
		if e.Status != StatusDeposited {
			return chain.Instruction{}, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
		}
		if !chain.SameAddress(signer.Address(), e.AgentAddr) {
			return chain.Instruction{}, fmt.Errorf("%w: only the agent can refund", ErrUnauthorized)
		}
		return chain.Instruction{Op: chain.OpRefund, EscrowID: e.ID, Payee: e.OwnerAddr}, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := s.execute(ctx, op, signer)
	if err != nil {
		return nil, err
	}
	return out.escrow, nil
}

// Get returns the escrow. A stale in-flight operation is reconciled against
// the ledger first, so an abandoned call is settled on the next read.
func (s *Service) Get(ctx context.Context, escrowID string) (*Escrow, error) {
	op, err := s.store.InFlightOperation(ctx, escrowID)
	switch {
	case err == nil:
		if s.isStale(op) {
			if _, rerr := s.reconcileOperation(ctx, op); rerr != nil {
				logging.L(ctx).Warn("reconcile on read failed", "escrow_id", escrowID, "op_id", op.ID, "error", rerr)
			}
		}
	case !errors.Is(err, ErrNoOperation):
		return nil, err
	}
	return s.store.Get(ctx, escrowID)
}

// ListByIntent returns every escrow funded for an intent.
func (s *Service) ListByIntent(ctx context.Context, intentID string) ([]*Escrow, error) {
	return s.store.ListByIntent(ctx, intentID)
}

// ListByStatus returns escrows in the given status, oldest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListByStatus(ctx, status, nil, limit)
}

// Page is one slice of a status listing.
type Page struct {
	Escrows    []*Escrow `json:"escrows"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// PageByStatus lists escrows in status after an opaque cursor returned by a
// previous page.
func (s *Service) PageByStatus(ctx context.Context, status Status, cursor string, limit int) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	items, err := s.store.ListByStatus(ctx, status, after, limit+1)
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return &Page{Escrows: items, NextCursor: next, HasMore: more}, nil
}

// InFlight returns the operation currently blocking the escrow, if any.
func (s *Service) InFlight(ctx context.Context, escrowID string) (*Operation, error) {
	return s.store.InFlightOperation(ctx, escrowID)
}

func (s *Service) isStale(op *Operation) bool {
	return op.State == OpReconcileRequired || s.now().Sub(op.UpdatedAt) > s.staleAfter()
}

func (s *Service) newOperation(kind OpKind, escrowID, signer, disputeID string, in chain.Instruction) *Operation {
	now := s.now()
	return &Operation{
		ID:          idgen.WithPrefix(idgen.OperationPrefix),
		EscrowID:    escrowID,
		Kind:        kind,
		State:       OpPending,
		Signer:      signer,
		Instruction: in,
		DisputeID:   disputeID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// reserve checks preconditions and journals the operation while holding the
// escrow's lock. The lock is released before any ledger call; after that the
// journal's single in-flight slot keeps other operations out.
func (s *Service) reserve(ctx context.Context, kind OpKind, escrowID, disputeID string, signer chain.Signer,
	check func(*Escrow) (chain.Instruction, error)) (*Operation, error) {
	if signer == nil {
		return nil, precondition(kind, escrowID, ErrUnauthorized)
	}

	var op *Operation
	err := s.locks.WithLock(ctx, escrowID, func() error {
		e, err := s.store.Get(ctx, escrowID)
		if errors.Is(err, ErrEscrowNotFound) {
			return precondition(kind, escrowID, err)
		}
		if err != nil {
			return err
		}

		in, err := check(e)
		if err != nil {
			return precondition(kind, escrowID, err)
		}

		op = s.newOperation(kind, escrowID, signer.Address(), disputeID, in)
		if err := s.store.BeginOperation(ctx, op); err != nil {
			if errors.Is(err, ErrOperationInFlight) {
				return concurrent(kind, escrowID, err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// outcome is what a confirmed operation left in the mirror.
type outcome struct {
	escrow  *Escrow
	dispute *Dispute
}

// execute signs, submits and confirms a reserved operation, then mirrors it.
func (s *Service) execute(ctx context.Context, op *Operation, signer chain.Signer) (*outcome, error) {
	logger := logging.L(ctx).With("escrow_id", op.EscrowID, "op", op.Kind, "op_id", op.ID)

	payload, err := signer.Sign(ctx, op.Instruction)
	if err != nil {
		s.finish(ctx, op, OpFailed, err)
		return nil, precondition(op.Kind, op.EscrowID, fmt.Errorf("%w: %v", ErrSignerRejected, err))
	}
	if !chain.SameAddress(payload.From, op.Signer) {
		s.finish(ctx, op, OpFailed, ErrUnauthorized)
		return nil, precondition(op.Kind, op.EscrowID, fmt.Errorf("%w: payload signed by %s", ErrUnauthorized, payload.From))
	}

	// Journal the reference before the network sees the transaction, so an
	// interrupted submission is still discoverable.
	ref := chain.RefOf(payload.Raw)
	if err := s.store.MarkSubmitted(ctx, op.ID, ref.String()); err != nil {
		s.finish(ctx, op, OpFailed, err)
		return nil, fmt.Errorf("journal submission: %w", err)
	}
	op.State, op.TxRef = OpSubmitted, ref.String()

	// The send must end well inside the stale window, or an observer could
	// find no transaction and close the entry while the send is still live.
	sctx, cancel := context.WithTimeout(ctx, s.staleAfter()/2)
	got, err := s.ledger.SubmitTransaction(sctx, payload)
	cancel()
	if err != nil {
		if sctx.Err() != nil {
			logger.Warn("submission interrupted, outcome unknown", "tx_ref", ref, "error", err)
			return nil, &Error{Kind: KindConfirmationTimeout, Op: op.Kind, EscrowID: op.EscrowID, TxRef: ref, Err: err}
		}
		s.finish(ctx, op, OpFailed, err)
		logger.Warn("ledger rejected transaction", "error", err)
		return nil, &Error{Kind: KindLedgerSubmission, Op: op.Kind, EscrowID: op.EscrowID, Err: err}
	}
	if got != ref {
		logger.Warn("ledger returned a different tx ref", "expected", ref, "got", got)
		ref = got
		op.TxRef = ref.String()
	}
	// Restart the stale clock now that the ledger holds the transaction.
	if err := s.store.MarkSubmitted(context.WithoutCancel(ctx), op.ID, ref.String()); err != nil {
		logger.Warn("failed to journal tx ref", "tx_ref", ref, "error", err)
	}
	logger.Info("transaction submitted", "tx_ref", ref)
	traces.AddEvent(ctx, "ledger.submitted", traces.TxRef(ref.String()), traces.Signer(payload.From))

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	start := time.Now()
	conf, err := s.ledger.ConfirmTransaction(cctx, ref)
	cancel()
	confirmDuration.WithLabelValues(string(op.Kind)).Observe(time.Since(start).Seconds())

	if err == nil && !conf.Finalized {
		err = errors.New("ledger reported the transaction as not final")
	}
	if err != nil {
		logger.Warn("confirmation not reached, outcome unknown", "tx_ref", ref, "error", err)
		return nil, &Error{Kind: KindConfirmationTimeout, Op: op.Kind, EscrowID: op.EscrowID, TxRef: ref, Err: err}
	}
	traces.AddEvent(ctx, "ledger.finalized", traces.Block(conf.BlockNumber), traces.Reverted(conf.Err != nil))
	if conf.Err != nil {
		s.finish(ctx, op, OpFailed, conf.Err)
		logger.Warn("transaction failed on ledger", "tx_ref", ref, "error", conf.Err)
		return nil, &Error{Kind: KindLedgerSubmission, Op: op.Kind, EscrowID: op.EscrowID, TxRef: ref, Err: conf.Err}
	}

	return s.persist(ctx, op, ref, payload.From)
}

// persist mirrors a confirmed transaction. Caller cancellation no longer
// applies: the ledger has moved and the mirror must follow.
func (s *Service) persist(ctx context.Context, op *Operation, ref chain.TxRef, from string) (*outcome, error) {
	ctx = context.WithoutCancel(ctx)
	logger := logging.L(ctx).With("escrow_id", op.EscrowID, "op", op.Kind, "tx_ref", ref)

	var out *outcome
	policy := retry.Policy{
		Attempts:  s.cfg.PersistAttempts,
		BaseDelay: s.cfg.PersistBackoff,
		MaxDelay:  2 * time.Second,
		OnRetry: func(attempt int, err error) {
			logger.Warn("mirror write failed, retrying", "attempt", attempt, "error", err)
		},
	}
	err := policy.Do(ctx, func() error {
		var err error
		out, err = s.applyConfirmed(ctx, op, ref, from)
		if isMirrorConflict(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.finish(ctx, op, OpReconcileRequired, err)
		logging.Critical(ctx, logger, "ledger confirmed but mirror write failed, reconciliation required", "error", err)
		s.emit(EventReconcileRequired, map[string]any{
			"escrowId": op.EscrowID,
			"op":       string(op.Kind),
			"txRef":    ref.String(),
		})
		return nil, &Error{Kind: KindReconciliationRequired, Op: op.Kind, EscrowID: op.EscrowID, TxRef: ref, Err: err}
	}

	s.finish(ctx, op, OpApplied, nil)
	logger.Info("escrow operation applied", "status", out.escrow.Status)
	s.emitApplied(op.Kind, out)
	return out, nil
}

// isMirrorConflict reports store outcomes that another attempt cannot change.
func isMirrorConflict(err error) bool {
	return errors.Is(err, ErrStatusConflict) ||
		errors.Is(err, ErrEscrowExists) ||
		errors.Is(err, ErrDisputeOpen) ||
		errors.Is(err, ErrEscrowNotFound) ||
		errors.Is(err, ErrDisputeNotFound)
}

// applyConfirmed writes the effect of a confirmed instruction into the store.
// It is idempotent: if the mirror already reflects ref it returns the current
// records, which lets reconciliation replay any operation safely.
func (s *Service) applyConfirmed(ctx context.Context, op *Operation, ref chain.TxRef, from string) (*outcome, error) {
	in := op.Instruction
	now := s.now()

	switch op.Kind {
	case OpDeposit:
		e := &Escrow{
			ID:           in.EscrowID,
			IntentID:     in.IntentID,
			AgentID:      in.AgentID,
			OwnerAddr:    from,
			AgentAddr:    in.Payee,
			Amount:       usdc.Format(in.Amount),
			Status:       StatusDeposited,
			DepositTxRef: ref.String(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		err := s.store.Create(ctx, e)
		if errors.Is(err, ErrEscrowExists) {
			if existing, getErr := s.store.Get(ctx, e.ID); getErr == nil && existing.DepositTxRef == ref.String() {
				return &outcome{escrow: existing}, nil
			}
		}
		if err != nil {
			return nil, err
		}
		return &outcome{escrow: e}, nil

	case OpRelease, OpRefund:
		e, err := s.store.Get(ctx, in.EscrowID)
		if err != nil {
			return nil, err
		}
		t := Transition{EscrowID: e.ID, From: StatusDeposited, TxRef: ref.String(), At: now}
		if op.Kind == OpRelease {
			t.To, t.AgentPayout, t.OwnerPayout = StatusReleased, e.Amount, zeroAmount
		} else {
			t.To, t.AgentPayout, t.OwnerPayout = StatusRefunded, zeroAmount, e.Amount
		}
		updated, err := s.transitionOnce(ctx, t)
		if err != nil {
			return nil, err
		}
		return &outcome{escrow: updated}, nil

	case OpDispute:
		return s.applyDispute(ctx, op, ref, from, now)

	case OpResolve:
		return s.applyResolution(ctx, op, ref, from, now)
	}
	return nil, fmt.Errorf("escrow: unknown operation kind %q", op.Kind)
}

// transitionOnce applies t, treating "already applied with this ref" as success.
func (s *Service) transitionOnce(ctx context.Context, t Transition) (*Escrow, error) {
	e, err := s.store.Transition(ctx, t)
	if !errors.Is(err, ErrStatusConflict) {
		return e, err
	}
	current, getErr := s.store.Get(ctx, t.EscrowID)
	if getErr == nil && current.Status == t.To && current.refFor(t.To) == t.TxRef {
		return current, nil
	}
	return nil, err
}

// refFor returns the settlement reference recorded for a terminal status.
func (e *Escrow) refFor(status Status) string {
	switch status {
	case StatusReleased:
		return e.ReleaseTxRef
	case StatusRefunded:
		return e.RefundTxRef
	}
	return ""
}

// finish closes or parks a journal entry. Journal writes outlive the caller's
// context because they record what the ledger already did.
func (s *Service) finish(ctx context.Context, op *Operation, state OpState, cause error) {
	op.State = state
	if op.ID == "" {
		return // synthesized from ledger history, nothing journaled
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.store.FinishOperation(context.WithoutCancel(ctx), op.ID, state, msg); err != nil {
		s.logger.Warn("failed to update operation journal",
			"op_id", op.ID, "escrow_id", op.EscrowID, "state", state, "error", err)
	}
}

func (s *Service) emit(eventType string, data map[string]any) {
	if s.events != nil {
		s.events.EmitEscrowEvent(eventType, data)
	}
}

func (s *Service) emitApplied(kind OpKind, out *outcome) {
	if s.events == nil || out == nil || out.escrow == nil {
		return
	}
	data := escrowEventData(out.escrow)

	switch kind {
	case OpDeposit:
		s.emit(EventDeposited, data)
	case OpRelease:
		s.emit(EventReleased, data)
	case OpRefund:
		s.emit(EventRefunded, data)
	case OpDispute:
		if out.dispute != nil {
			data["disputeId"] = out.dispute.ID
			data["raisedBy"] = out.dispute.RaisedBy
		}
		s.emit(EventDisputed, data)
	case OpResolve:
		if out.dispute != nil {
			data["disputeId"] = out.dispute.ID
			if out.dispute.Resolution != nil {
				data["resolution"] = out.dispute.Resolution.String()
			}
		}
		s.emit(EventResolved, data)
	}
}

func escrowEventData(e *Escrow) map[string]any {
	data := map[string]any{
		"escrowId":  e.ID,
		"intentId":  e.IntentID,
		"agentId":   e.AgentID,
		"ownerAddr": e.OwnerAddr,
		"agentAddr": e.AgentAddr,
		"amount":    e.Amount,
		"status":    string(e.Status),
	}
	if e.AgentPayout != "" {
		data["agentPayout"] = e.AgentPayout
		data["ownerPayout"] = e.OwnerPayout
	}
	return data
}

// StaticArbiters is an ArbiterSet backed by a fixed list of addresses.
type StaticArbiters map[string]struct{}

// NewStaticArbiters builds an arbiter set; addresses compare case-insensitively.
func NewStaticArbiters(addrs ...string) StaticArbiters {
	set := make(StaticArbiters, len(addrs))
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			set[strings.ToLower(a)] = struct{}{}
		}
	}
	return set
}

func (a StaticArbiters) IsArbiter(addr string) bool {
	_, ok := a[strings.ToLower(addr)]
	return ok
}
