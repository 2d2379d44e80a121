package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/usdc"
)

// PrepareRequest describes an operation a client intends to sign itself.
// Only the fields relevant to Op are read.
type PrepareRequest struct {
	Op         OpKind      `json:"op" binding:"required"`
	IntentID   string      `json:"intentId"`
	AgentID    string      `json:"agentId"`
	Amount     string      `json:"amount"`
	EscrowID   string      `json:"escrowId"`
	Reason     string      `json:"reason"`
	DisputeID  string      `json:"disputeId"`
	Resolution *Resolution `json:"resolution"`
}

// PrepareInstruction builds the exact instruction the coordinator will ask
// a signer for, so a client can sign the calldata out of band and submit the
// raw transaction. Preconditions that can be checked without the signer are
// checked here too.
func (s *Service) PrepareInstruction(ctx context.Context, req PrepareRequest) (chain.Instruction, error) {
	switch req.Op {
	case OpDeposit:
		escrowID := DeriveID(req.IntentID, req.AgentID)
		units, err := usdc.ParsePositive(req.Amount)
		if err != nil {
			return chain.Instruction{}, precondition(OpDeposit, escrowID, fmt.Errorf("%w: %v", ErrInvalidAmount, err))
		}
		_, payee, err := s.assignments.ResolveAssignment(ctx, req.IntentID, req.AgentID)
		if errors.Is(err, ErrNotAssigned) {
			return chain.Instruction{}, precondition(OpDeposit, escrowID, err)
		}
		if err != nil {
			return chain.Instruction{}, fmt.Errorf("resolve assignment: %w", err)
		}
		if _, err := s.store.GetByPair(ctx, req.IntentID, req.AgentID); err == nil {
			return chain.Instruction{}, precondition(OpDeposit, escrowID, ErrDuplicateEscrow)
		}
		return chain.Instruction{
			Op:       chain.OpInitialize,
			EscrowID: escrowID,
			IntentID: req.IntentID,
			AgentID:  req.AgentID,
			Payee:    payee,
			Amount:   units,
		}, nil

	case OpRelease, OpRefund:
		e, err := s.preparable(ctx, req.Op, req.EscrowID, StatusDeposited)
		if err != nil {
			return chain.Instruction{}, err
		}
		if req.Op == OpRelease {
			return chain.Instruction{Op: chain.OpRelease, EscrowID: e.ID, Payee: e.AgentAddr}, nil
		}
		return chain.Instruction{Op: chain.OpRefund, EscrowID: e.ID, Payee: e.OwnerAddr}, nil

	case OpDispute:
		reason := strings.TrimSpace(req.Reason)
		if reason == "" || len(reason) > MaxReasonLength {
			return chain.Instruction{}, precondition(OpDispute, req.EscrowID, ErrReasonRequired)
		}
		e, err := s.preparable(ctx, OpDispute, req.EscrowID, StatusDeposited)
		if err != nil {
			return chain.Instruction{}, err
		}
		return chain.Instruction{Op: chain.OpDispute, EscrowID: e.ID, Reason: reason}, nil

	case OpResolve:
		if req.Resolution == nil {
			return chain.Instruction{}, precondition(OpResolve, "", ErrInvalidResolution)
		}
		res, err := req.Resolution.Normalize()
		if err != nil {
			return chain.Instruction{}, precondition(OpResolve, "", err)
		}
		d, err := s.store.GetDispute(ctx, req.DisputeID)
		if errors.Is(err, ErrDisputeNotFound) {
			return chain.Instruction{}, precondition(OpResolve, "", err)
		}
		if err != nil {
			return chain.Instruction{}, err
		}
		if d.Status != DisputeOpen {
			return chain.Instruction{}, precondition(OpResolve, d.EscrowID, ErrDisputeClosed)
		}
		return chain.Instruction{
			Op:              chain.OpResolve,
			EscrowID:        d.EscrowID,
			AgentPercentage: uint8(res.AgentShare()),
		}, nil
	}
	return chain.Instruction{}, precondition(req.Op, req.EscrowID, fmt.Errorf("unknown operation %q", req.Op))
}

func (s *Service) preparable(ctx context.Context, op OpKind, escrowID string, want Status) (*Escrow, error) {
	e, err := s.store.Get(ctx, escrowID)
	if errors.Is(err, ErrEscrowNotFound) {
		return nil, precondition(op, escrowID, err)
	}
	if err != nil {
		return nil, err
	}
	if e.Status != want {
		return nil, precondition(op, escrowID, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status))
	}
	return e, nil
}
