// Package escrow coordinates intent payouts held by the on-chain escrow program.
//
// Flow:
//  1. Intent owner deposits → program holds funds for (intent, agent)
//  2. Owner releases → funds paid to the agent's payout address
//  3. Agent refunds → funds returned to the owner
//  4. Either party disputes → funds frozen until an arbiter resolves
//  5. Arbiter resolves → release, refund, or a percentage split
//
// Every step is confirmed on the ledger before the relational mirror is
// touched. When the ledger is ahead of the mirror, the reconciler repairs it.
package escrow

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/intentpay/internal/chain"
)

// Status represents the state of an escrow.
type Status string

const (
	StatusDeposited Status = "deposited" // Funds held by the program
	StatusReleased  Status = "released"  // Paid to the agent (fully or by split)
	StatusRefunded  Status = "refunded"  // Returned to the owner
	StatusDisputed  Status = "disputed"  // Frozen pending arbiter resolution
)

// ParseStatus validates a status read from storage or a request.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusDeposited, StatusReleased, StatusRefunded, StatusDisputed:
		return st, nil
	}
	return "", fmt.Errorf("escrow: unknown status %q", s)
}

// IsTerminal returns true if the escrow is in a final state.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

// CanTransitionTo reports whether next is a legal edge from s.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusDeposited:
		return next == StatusReleased || next == StatusRefunded || next == StatusDisputed
	case StatusDisputed:
		return next == StatusReleased || next == StatusRefunded
	}
	return false
}

// Escrow is the relational mirror of one on-chain escrow.
type Escrow struct {
	ID           string    `json:"id"`
	IntentID     string    `json:"intentId"`
	AgentID      string    `json:"agentId"`
	OwnerAddr    string    `json:"ownerAddr"`
	AgentAddr    string    `json:"agentAddr"`
	Amount       string    `json:"amount"`
	Status       Status    `json:"status"`
	DepositTxRef string    `json:"depositTxRef"`
	ReleaseTxRef string    `json:"releaseTxRef,omitempty"`
	RefundTxRef  string    `json:"refundTxRef,omitempty"`
	AgentPayout  string    `json:"agentPayout,omitempty"`
	OwnerPayout  string    `json:"ownerPayout,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsParty reports whether addr is the owner or the agent of the escrow.
func (e *Escrow) IsParty(addr string) bool {
	return chain.SameAddress(addr, e.OwnerAddr) || chain.SameAddress(addr, e.AgentAddr)
}

func (e *Escrow) clone() *Escrow {
	c := *e
	return &c
}

// DeriveID computes the deterministic escrow id for an (intent, agent) pair.
// The program keys escrows by the same 32 bytes, so a second deposit for the
// pair collides both on-chain and in the store.
func DeriveID(intentID, agentID string) string {
	buf := make([]byte, 0, len(intentID)+1+len(agentID))
	buf = append(buf, intentID...)
	buf = append(buf, 0)
	buf = append(buf, agentID...)
	var key [32]byte
	copy(key[:], crypto.Keccak256(buf))
	return chain.EscrowIDFromKey(key)
}

// DisputeStatus represents the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// ParseDisputeStatus validates a dispute status read from storage.
func ParseDisputeStatus(s string) (DisputeStatus, error) {
	switch st := DisputeStatus(s); st {
	case DisputeOpen, DisputeResolved:
		return st, nil
	}
	return "", fmt.Errorf("escrow: unknown dispute status %q", s)
}

// ResolutionKind names how an arbiter settles a dispute.
type ResolutionKind string

const (
	ResolveReleaseToAgent ResolutionKind = "release_to_agent"
	ResolveRefundToOwner  ResolutionKind = "refund_to_owner"
	ResolveSplit          ResolutionKind = "split"
)

// Resolution is an arbiter's decision. AgentPercentage only applies to splits.
type Resolution struct {
	Kind            ResolutionKind `json:"kind"`
	AgentPercentage int            `json:"agentPercentage,omitempty"`
}

// ReleaseToAgent pays the whole escrow to the agent.
func ReleaseToAgent() Resolution { return Resolution{Kind: ResolveReleaseToAgent} }

// RefundToOwner returns the whole escrow to the owner.
func RefundToOwner() Resolution { return Resolution{Kind: ResolveRefundToOwner} }

// Split pays agentPct percent to the agent and the rest to the owner.
func Split(agentPct int) Resolution {
	return Resolution{Kind: ResolveSplit, AgentPercentage: agentPct}
}

// Normalize validates r and folds the degenerate splits into their full
// equivalents: Split(0) is RefundToOwner and Split(100) is ReleaseToAgent.
func (r Resolution) Normalize() (Resolution, error) {
	switch r.Kind {
	case ResolveReleaseToAgent, ResolveRefundToOwner:
		return Resolution{Kind: r.Kind}, nil
	case ResolveSplit:
		switch {
		case r.AgentPercentage < 0 || r.AgentPercentage > 100:
			return Resolution{}, fmt.Errorf("%w: split percentage %d outside 0-100", ErrInvalidResolution, r.AgentPercentage)
		case r.AgentPercentage == 0:
			return RefundToOwner(), nil
		case r.AgentPercentage == 100:
			return ReleaseToAgent(), nil
		}
		return r, nil
	}
	return Resolution{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidResolution, r.Kind)
}

// AgentShare is the percentage of the escrow paid to the agent.
func (r Resolution) AgentShare() int {
	switch r.Kind {
	case ResolveReleaseToAgent:
		return 100
	case ResolveSplit:
		return r.AgentPercentage
	}
	return 0
}

// TerminalStatus is the escrow status a resolution settles into. Any payout
// to the agent counts as a release; the split itself is kept in the payouts.
func (r Resolution) TerminalStatus() Status {
	if r.AgentShare() > 0 {
		return StatusReleased
	}
	return StatusRefunded
}

func (r Resolution) String() string {
	if r.Kind == ResolveSplit {
		return "split:" + strconv.Itoa(r.AgentPercentage)
	}
	return string(r.Kind)
}

// ParseResolution accepts the String form: "release_to_agent",
// "refund_to_owner" or "split:<pct>". The result is normalized.
func ParseResolution(s string) (Resolution, error) {
	s = strings.TrimSpace(s)
	if pct, ok := strings.CutPrefix(s, "split:"); ok {
		n, err := strconv.Atoi(pct)
		if err != nil {
			return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidResolution, s)
		}
		return Split(n).Normalize()
	}
	return Resolution{Kind: ResolutionKind(s)}.Normalize()
}

// resolutionFromShare rebuilds a normalized resolution from the agent
// percentage carried by a resolve instruction.
func resolutionFromShare(pct uint8) Resolution {
	switch pct {
	case 0:
		return RefundToOwner()
	case 100:
		return ReleaseToAgent()
	}
	return Split(int(pct))
}

// Dispute freezes a deposited escrow until an arbiter resolves it.
type Dispute struct {
	ID              string        `json:"id"`
	EscrowID        string        `json:"escrowId"`
	Reason          string        `json:"reason"`
	RaisedBy        string        `json:"raisedBy"`
	Status          DisputeStatus `json:"status"`
	Resolution      *Resolution   `json:"resolution,omitempty"`
	FlagTxRef       string        `json:"flagTxRef"`
	ResolutionTxRef string        `json:"resolutionTxRef,omitempty"`
	ArbiterAddr     string        `json:"arbiterAddr,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	ResolvedAt      *time.Time    `json:"resolvedAt,omitempty"`
}

func (d *Dispute) clone() *Dispute {
	c := *d
	if d.Resolution != nil {
		r := *d.Resolution
		c.Resolution = &r
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// OpKind names a ledger-touching coordinator operation.
type OpKind string

const (
	OpDeposit OpKind = "deposit"
	OpRelease OpKind = "release"
	OpRefund  OpKind = "refund"
	OpDispute OpKind = "dispute"
	OpResolve OpKind = "resolve"
)

// opKindFor maps a program instruction back to the operation that issues it.
func opKindFor(op chain.Op) (OpKind, bool) {
	switch op {
	case chain.OpInitialize:
		return OpDeposit, true
	case chain.OpRelease:
		return OpRelease, true
	case chain.OpRefund:
		return OpRefund, true
	case chain.OpDispute:
		return OpDispute, true
	case chain.OpResolve:
		return OpResolve, true
	}
	return "", false
}

// OpState is the journal state of an operation.
type OpState string

const (
	OpPending           OpState = "pending"            // Reserved, not yet handed to the ledger
	OpSubmitted         OpState = "submitted"          // TxRef known, outcome not yet mirrored
	OpApplied           OpState = "applied"            // Confirmed and mirrored
	OpFailed            OpState = "failed"             // Never landed, or reverted
	OpReconcileRequired OpState = "reconcile_required" // Confirmed, mirror write failed
)

// InFlight reports whether the operation still blocks others on its escrow.
func (s OpState) InFlight() bool {
	return s == OpPending || s == OpSubmitted || s == OpReconcileRequired
}

// Operation is a journal entry written before any ledger call, so that an
// abandoned or timed-out call can be found and reconciled later.
type Operation struct {
	ID          string            `json:"id"`
	EscrowID    string            `json:"escrowId"`
	Kind        OpKind            `json:"kind"`
	State       OpState           `json:"state"`
	TxRef       string            `json:"txRef,omitempty"`
	Signer      string            `json:"signer"`
	Instruction chain.Instruction `json:"instruction"`
	DisputeID   string            `json:"disputeId,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

func (o *Operation) clone() *Operation {
	c := *o
	if o.Instruction.Amount != nil {
		c.Instruction.Amount = new(big.Int).Set(o.Instruction.Amount)
	}
	return &c
}
