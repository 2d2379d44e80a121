package assignment

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists assignments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed assignment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const assignmentColumns = `intent_id, agent_id, owner_addr, agent_addr, created_at`

func (p *PostgresStore) Put(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO intent_assignments (intent_id, agent_id, owner_addr, agent_addr, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (intent_id, agent_id) DO NOTHING
		RETURNING `+assignmentColumns,
		a.IntentID, a.AgentID, a.OwnerAddr, a.AgentAddr, a.CreatedAt,
	)
	created, err := scanAssignment(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, false, ErrConflict
		}
		return nil, false, err
	}

	existing, err := p.Get(ctx, a.IntentID, a.AgentID)
	if err != nil {
		return nil, false, err
	}
	if !existing.sameAddresses(a) {
		return nil, false, ErrConflict
	}
	return existing, false, nil
}

func (p *PostgresStore) Get(ctx context.Context, intentID, agentID string) (*Assignment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+` FROM intent_assignments
		WHERE intent_id = $1 AND agent_id = $2`, intentID, agentID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) ListByIntent(ctx context.Context, intentID string) ([]*Assignment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+assignmentColumns+` FROM intent_assignments
		WHERE intent_id = $1
		ORDER BY created_at, agent_id`, intentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAssignment(s scanner) (*Assignment, error) {
	a := &Assignment{}
	if err := s.Scan(&a.IntentID, &a.AgentID, &a.OwnerAddr, &a.AgentAddr, &a.CreatedAt); err != nil {
		return nil, err
	}
	return a, nil
}
