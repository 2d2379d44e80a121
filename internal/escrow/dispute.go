package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/intentpay/internal/chain"
	"github.com/mbd888/intentpay/internal/idgen"
	"github.com/mbd888/intentpay/internal/traces"
	"github.com/mbd888/intentpay/internal/usdc"
)

// Dispute freezes a deposited escrow. Either party may raise it. While the
// escrow is disputed, Release and Refund fail; only Resolve moves it on.
func (s *Service) Dispute(ctx context.Context, escrowID, reason string, signer chain.Signer) (_ *Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.EscrowID(escrowID))
	defer func() { traces.End(span, err) }()
	defer observeOperation(OpDispute, time.Now(), &err)

	reason = strings.TrimSpace(reason)
	if reason == "" || len(reason) > MaxReasonLength {
		return nil, precondition(OpDispute, escrowID, ErrReasonRequired)
	}

	disputeID := idgen.WithPrefix(idgen.DisputePrefix)
	op, err := s.reserve(ctx, OpDispute, escrowID, disputeID, signer, func(e *Escrow) (chain.Instruction, error) {
		switch e.Status {
		case StatusDeposited:
		case StatusDisputed:
			return chain.Instruction{}, ErrDisputeOpen
		default:
			return chain.Instruction{}, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
		}
		if !e.IsParty(signer.Address()) {
			return chain.Instruction{}, fmt.Errorf("%w: only the owner or the agent can dispute", ErrUnauthorized)
		}
		return chain.Instruction{Op: chain.OpDispute, EscrowID: e.ID, Reason: reason}, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := s.execute(ctx, op, signer)
	if err != nil {
		return nil, err
	}
	return out.dispute, nil
}

// Resolve settles an open dispute. The signer must be an arbiter and not a
// party to the escrow. Split(60) on 100.000000 pays 60 to the agent and 40 to
// the owner and leaves the escrow released.
func (s *Service) Resolve(ctx context.Context, disputeID string, resolution Resolution, signer chain.Signer) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Resolve", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()
	defer observeOperation(OpResolve, time.Now(), &err)

	res, err := resolution.Normalize()
	if err != nil {
		return nil, precondition(OpResolve, "", err)
	}

	d, err := s.store.GetDispute(ctx, disputeID)
	if errors.Is(err, ErrDisputeNotFound) {
		return nil, precondition(OpResolve, "", err)
	}
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.EscrowID(d.EscrowID))

	op, err := s.reserve(ctx, OpResolve, d.EscrowID, d.ID, signer, func(e *Escrow) (chain.Instruction, error) {
		current, err := s.store.GetDispute(ctx, disputeID)
		if err != nil {
			return chain.Instruction{}, err
		}
		if current.Status != DisputeOpen {
			return chain.Instruction{}, ErrDisputeClosed
		}
		if e.Status != StatusDisputed {
			return chain.Instruction{}, fmt.Errorf("%w: escrow is %s", ErrInvalidStatus, e.Status)
		}
		addr := signer.Address()
		if s.arbiters == nil || !s.arbiters.IsArbiter(addr) {
			return chain.Instruction{}, fmt.Errorf("%w: %s is not an arbiter", ErrUnauthorized, addr)
		}
		if e.IsParty(addr) {
			return chain.Instruction{}, fmt.Errorf("%w: arbiter is a party to the escrow", ErrUnauthorized)
		}
		return chain.Instruction{
			Op:              chain.OpResolve,
			EscrowID:        e.ID,
			AgentPercentage: uint8(res.AgentShare()),
		}, nil
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

// GetDispute returns a dispute by id.
func (s *Service) GetDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	return s.store.GetDispute(ctx, disputeID)
}

// ListDisputes returns every dispute raised against an escrow, oldest first.
func (s *Service) ListDisputes(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return s.store.ListDisputes(ctx, escrowID)
}

func (s *Service) applyDispute(ctx context.Context, op *Operation, ref chain.TxRef, from string, now time.Time) (*outcome, error) {
	in := op.Instruction
	id := op.DisputeID
	if id == "" {
		id = idgen.WithPrefix(idgen.DisputePrefix)
	}

	d := &Dispute{
		ID:        id,
		EscrowID:  in.EscrowID,
		Reason:    in.Reason,
		RaisedBy:  from,
		Status:    DisputeOpen,
		FlagTxRef: ref.String(),
		CreatedAt: now,
	}
	t := Transition{EscrowID: in.EscrowID, From: StatusDeposited, To: StatusDisputed, At: now}

	e, stored, err := s.store.OpenDispute(ctx, t, d)
	if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrDisputeOpen) {
		if open, getErr := s.store.GetOpenDispute(ctx, in.EscrowID); getErr == nil && open.FlagTxRef == ref.String() {
			if current, getErr := s.store.Get(ctx, in.EscrowID); getErr == nil {
				return &outcome{escrow: current, dispute: open}, nil
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return &outcome{escrow: e, dispute: stored}, nil
}

func (s *Service) applyResolution(ctx context.Context, op *Operation, ref chain.TxRef, from string, now time.Time) (*outcome, error) {
	in := op.Instruction

	var (
		d   *Dispute
		err error
	)
	if op.DisputeID != "" {
		d, err = s.store.GetDispute(ctx, op.DisputeID)
	} else {
		d, err = s.store.GetOpenDispute(ctx, in.EscrowID)
	}
	if err != nil {
		return nil, err
	}
	if d.Status == DisputeResolved {
		if d.ResolutionTxRef == ref.String() {
			e, err := s.store.Get(ctx, d.EscrowID)
			if err != nil {
				return nil, err
			}
			return &outcome{escrow: e, dispute: d}, nil
		}
		return nil, fmt.Errorf("%w: dispute %s already resolved by %s", ErrStatusConflict, d.ID, d.ResolutionTxRef)
	}

	e, err := s.store.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}
	amount, ok := usdc.Parse(e.Amount)
	if !ok {
		return nil, fmt.Errorf("%w: stored amount %q", ErrInvalidAmount, e.Amount)
	}

	res := resolutionFromShare(in.AgentPercentage)
	agent, owner, err := usdc.SplitPercent(amount, res.AgentShare())
	if err != nil {
		return nil, err
	}

	e, d, err = s.store.ResolveDispute(ctx, DisputeResolution{
		DisputeID:   d.ID,
		Resolution:  res,
		ArbiterAddr: from,
		TxRef:       ref.String(),
		Escrow: Transition{
			EscrowID:    e.ID,
			From:        StatusDisputed,
			To:          res.TerminalStatus(),
			TxRef:       ref.String(),
			AgentPayout: usdc.Format(agent),
			OwnerPayout: usdc.Format(owner),
			At:          now,
		},
	})
	if err != nil {
		return nil, err
	}
	return &outcome{escrow: e, dispute: d}, nil
}
