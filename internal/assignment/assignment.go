// Package assignment records which agent was matched to which intent and
// the addresses that fund and receive the escrow for that match.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/intentpay/internal/escrow"
	"github.com/mbd888/intentpay/internal/validation"
)

var (
	ErrNotFound = errors.New("assignment not found")
	ErrConflict = errors.New("pair already assigned to different addresses")
	ErrSameAddr = errors.New("owner and agent payout address must differ")
)

// Assignment binds an (intent, agent) match to its funding and payout addresses.
type Assignment struct {
	IntentID  string    `json:"intentId"`
	AgentID   string    `json:"agentId"`
	OwnerAddr string    `json:"ownerAddr"`
	AgentAddr string    `json:"agentAddr"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists assignments.
type Store interface {
	// Put inserts a unless the pair exists. An existing pair with the same
	// addresses is returned as-is; different addresses yield ErrConflict.
	Put(ctx context.Context, a *Assignment) (*Assignment, bool, error)
	Get(ctx context.Context, intentID, agentID string) (*Assignment, error)
	ListByIntent(ctx context.Context, intentID string) ([]*Assignment, error)
}

// Service manages assignments and answers the escrow coordinator's lookups.
type Service struct {
	store  Store
	logger *slog.Logger
}

var _ escrow.AssignmentResolver = (*Service)(nil)

// NewService creates an assignment service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Assign records a match. Addresses are stored in checksum form. The bool
// reports whether a new record was created.
func (s *Service) Assign(ctx context.Context, intentID, agentID, ownerAddr, agentAddr string) (*Assignment, bool, error) {
	if errs := validation.Validate(
		validation.Required("intentId", intentID),
		validation.Required("agentId", agentID),
		validation.Required("ownerAddr", ownerAddr),
		validation.Required("agentAddr", agentAddr),
		validation.ValidIdentifier("intentId", intentID),
		validation.ValidIdentifier("agentId", agentID),
		validation.ValidAddress("ownerAddr", ownerAddr),
		validation.ValidAddress("agentAddr", agentAddr),
	); len(errs) > 0 {
		return nil, false, errs
	}

	owner := common.HexToAddress(ownerAddr).Hex()
	agent := common.HexToAddress(agentAddr).Hex()
	if owner == agent {
		return nil, false, ErrSameAddr
	}

	a, created, err := s.store.Put(ctx, &Assignment{
		IntentID:  intentID,
		AgentID:   agentID,
		OwnerAddr: owner,
		AgentAddr: agent,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("agent assigned", "intent_id", intentID, "agent_id", agentID, "owner", owner, "payee", agent)
	}
	return a, created, nil
}

// Get returns the assignment for a pair.
func (s *Service) Get(ctx context.Context, intentID, agentID string) (*Assignment, error) {
	return s.store.Get(ctx, intentID, agentID)
}

// ListByIntent returns every agent matched to an intent.
func (s *Service) ListByIntent(ctx context.Context, intentID string) ([]*Assignment, error) {
	return s.store.ListByIntent(ctx, intentID)
}

// ResolveAssignment implements escrow.AssignmentResolver.
func (s *Service) ResolveAssignment(ctx context.Context, intentID, agentID string) (string, string, error) {
	a, err := s.store.Get(ctx, intentID, agentID)
	if errors.Is(err, ErrNotFound) {
		return "", "", fmt.Errorf("%w: intent %s, agent %s", escrow.ErrNotAssigned, intentID, agentID)
	}
	if err != nil {
		return "", "", err
	}
	return a.OwnerAddr, a.AgentAddr, nil
}

func (a *Assignment) sameAddresses(b *Assignment) bool {
	return strings.EqualFold(a.OwnerAddr, b.OwnerAddr) && strings.EqualFold(a.AgentAddr, b.AgentAddr)
}
