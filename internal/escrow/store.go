package escrow

import (
	"context"
	"time"

	"github.com/mbd888/intentpay/internal/pagination"
)

// Transition is a conditional status change: it applies only while the
// escrow is still in From. TxRef lands in the reference field matching To.
type Transition struct {
	EscrowID    string
	From        Status
	To          Status
	TxRef       string
	AgentPayout string
	OwnerPayout string
	At          time.Time
}

// DisputeResolution closes an open dispute and settles its escrow in one step.
type DisputeResolution struct {
	DisputeID   string
	Resolution  Resolution
	ArbiterAddr string
	TxRef       string
	Escrow      Transition
}

// Store persists escrows, disputes and the operation journal.
// Implementations must make each method atomic.
type Store interface {
	// Create inserts e unless an escrow with the same id or (intent, agent)
	// pair exists, in which case it returns ErrEscrowExists.
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByPair(ctx context.Context, intentID, agentID string) (*Escrow, error)
	// Transition returns ErrStatusConflict when the escrow is no longer in t.From.
	Transition(ctx context.Context, t Transition) (*Escrow, error)
	ListByIntent(ctx context.Context, intentID string) ([]*Escrow, error)
	// ListByStatus pages through escrows in status ordered by (created_at, id),
	// starting strictly after the cursor when one is given.
	ListByStatus(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Escrow, error)

	// OpenDispute moves the escrow to disputed and records d. It returns
	// ErrStatusConflict or ErrDisputeOpen without writing anything.
	OpenDispute(ctx context.Context, t Transition, d *Dispute) (*Escrow, *Dispute, error)
	ResolveDispute(ctx context.Context, r DisputeResolution) (*Escrow, *Dispute, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetOpenDispute(ctx context.Context, escrowID string) (*Dispute, error)
	ListDisputes(ctx context.Context, escrowID string) ([]*Dispute, error)

	// BeginOperation journals op. It returns ErrOperationInFlight when the
	// escrow already has an in-flight operation.
	BeginOperation(ctx context.Context, op *Operation) error
	// MarkSubmitted records txRef on a pending or submitted operation and
	// restarts its stale clock. Finished operations report ErrOperationNotFound.
	MarkSubmitted(ctx context.Context, opID, txRef string) error
	FinishOperation(ctx context.Context, opID string, state OpState, errMsg string) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	GetOperationByTxRef(ctx context.Context, txRef string) (*Operation, error)
	// InFlightOperation returns ErrNoOperation when nothing is in flight.
	InFlightOperation(ctx context.Context, escrowID string) (*Operation, error)
	// ListStaleOperations returns in-flight operations not updated since before.
	ListStaleOperations(ctx context.Context, before time.Time, limit int) ([]*Operation, error)
}

// apply writes t into e. Callers check From first.
func (t Transition) apply(e *Escrow) {
	e.Status = t.To
	switch t.To {
	case StatusReleased:
		e.ReleaseTxRef = t.TxRef
	case StatusRefunded:
		e.RefundTxRef = t.TxRef
	}
	if t.AgentPayout != "" {
		e.AgentPayout = t.AgentPayout
	}
	if t.OwnerPayout != "" {
		e.OwnerPayout = t.OwnerPayout
	}
	e.UpdatedAt = t.At
}
