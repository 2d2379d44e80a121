package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/intentpay/internal/pagination"
)

// PostgresStore persists escrows, disputes and the journal in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// isUniqueViolation reports a unique or exclusion constraint failure.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, intent_id, agent_id, owner_addr, agent_addr, amount,
			status, deposit_tx_ref, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(30,6), $7, $8, $9, $10)`,
		e.ID, e.IntentID, e.AgentID, e.OwnerAddr, e.AgentAddr, e.Amount,
		string(e.Status), e.DepositTxRef, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEscrowExists
		}
		return err
	}
	return nil
}

const escrowColumns = `id, intent_id, agent_id, owner_addr, agent_addr, amount::TEXT,
		       status, deposit_tx_ref, release_tx_ref, refund_tx_ref,
		       agent_payout::TEXT, owner_payout::TEXT, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByPair(ctx context.Context, intentID, agentID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE intent_id = $1 AND agent_id = $2`, intentID, agentID)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// transitionTx applies t with a status guard, distinguishing a missing row
// from a lost race.
func transitionTx(ctx context.Context, q queryer, t Transition) (*Escrow, error) {
	var releaseRef, refundRef sql.NullString
	switch t.To {
	case StatusReleased:
		releaseRef = nullString(t.TxRef)
	case StatusRefunded:
		refundRef = nullString(t.TxRef)
	}

	row := q.QueryRowContext(ctx, `
		UPDATE escrows SET
			status = $1,
			release_tx_ref = COALESCE($2, release_tx_ref),
			refund_tx_ref = COALESCE($3, refund_tx_ref),
			agent_payout = COALESCE($4::NUMERIC(30,6), agent_payout),
			owner_payout = COALESCE($5::NUMERIC(30,6), owner_payout),
			updated_at = $6
		WHERE id = $7 AND status = $8
		RETURNING `+escrowColumns,
		string(t.To), releaseRef, refundRef,
		nullString(t.AgentPayout), nullString(t.OwnerPayout), t.At,
		t.EscrowID, string(t.From),
	)
	e, err := scanEscrow(row)
	if !errors.Is(err, sql.ErrNoRows) {
		return e, err
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, t.EscrowID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrEscrowNotFound
	}
	return nil, ErrStatusConflict
}

func (p *PostgresStore) Transition(ctx context.Context, t Transition) (*Escrow, error) {
	return transitionTx(ctx, p.db, t)
}

func (p *PostgresStore) ListByIntent(ctx context.Context, intentID string) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE intent_id = $1
		ORDER BY created_at, id`, intentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE status = $1
			ORDER BY created_at, id
			LIMIT $2`, string(status), limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+`
			FROM escrows
			WHERE status = $1 AND (created_at, id) > ($2, $3)
			ORDER BY created_at, id
			LIMIT $4`, string(status), after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

const disputeColumns = `id, escrow_id, reason, raised_by, status, resolution, agent_percentage,
		       flag_tx_ref, resolution_tx_ref, arbiter_addr, created_at, resolved_at`

func (p *PostgresStore) OpenDispute(ctx context.Context, t Transition, d *Dispute) (*Escrow, *Dispute, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var open bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM escrow_disputes WHERE escrow_id = $1 AND status = 'open')`,
		t.EscrowID).Scan(&open); err != nil {
		return nil, nil, err
	}
	if open {
		return nil, nil, ErrDisputeOpen
	}

	e, err := transitionTx(ctx, tx, t)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_disputes (id, escrow_id, reason, raised_by, status, flag_tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.EscrowID, d.Reason, d.RaisedBy, string(DisputeOpen), d.FlagTxRef, d.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrDisputeOpen
		}
		return nil, nil, fmt.Errorf("failed to record dispute: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	stored := d.clone()
	stored.Status = DisputeOpen
	return e, stored, nil
}

func (p *PostgresStore) ResolveDispute(ctx context.Context, r DisputeResolution) (*Escrow, *Dispute, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE escrow_disputes SET
			status = 'resolved', resolution = $1, agent_percentage = $2,
			resolution_tx_ref = $3, arbiter_addr = $4, resolved_at = $5
		WHERE id = $6 AND status = 'open'
		RETURNING `+disputeColumns,
		string(r.Resolution.Kind), r.Resolution.AgentShare(),
		r.TxRef, r.ArbiterAddr, r.Escrow.At, r.DisputeID,
	)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.GetDispute(ctx, r.DisputeID); getErr != nil {
			return nil, nil, getErr
		}
		return nil, nil, ErrStatusConflict
	}
	if err != nil {
		return nil, nil, err
	}

	e, err := transitionTx(ctx, tx, r.Escrow)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return e, d, nil
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM escrow_disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM escrow_disputes
		WHERE escrow_id = $1 AND status = 'open'`, escrowID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM escrow_disputes
		WHERE escrow_id = $1
		ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

const operationColumns = `id, escrow_id, kind, state, tx_ref, signer_addr, instruction,
		       dispute_id, error, created_at, updated_at`

func (p *PostgresStore) BeginOperation(ctx context.Context, op *Operation) error {
	instr, err := json.Marshal(op.Instruction)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_operations (
			id, escrow_id, kind, state, signer_addr, instruction, dispute_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		op.ID, op.EscrowID, string(op.Kind), string(op.State), op.Signer, instr,
		nullString(op.DisputeID), op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOperationInFlight
		}
		return err
	}
	return nil
}

func (p *PostgresStore) MarkSubmitted(ctx context.Context, opID, txRef string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_operations SET state = 'submitted', tx_ref = $1, updated_at = NOW()
		WHERE id = $2 AND state IN ('pending', 'submitted')`, txRef, opID)
	if err != nil {
		return err
	}
	return expectOneRow(result, ErrOperationNotFound)
}

func (p *PostgresStore) FinishOperation(ctx context.Context, opID string, state OpState, errMsg string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_operations SET state = $1, error = $2, updated_at = NOW()
		WHERE id = $3`, string(state), nullString(errMsg), opID)
	if err != nil {
		return err
	}
	return expectOneRow(result, ErrOperationNotFound)
}

func (p *PostgresStore) GetOperation(ctx context.Context, id string) (*Operation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM escrow_operations WHERE id = $1`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	return op, err
}

func (p *PostgresStore) GetOperationByTxRef(ctx context.Context, txRef string) (*Operation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM escrow_operations WHERE tx_ref = $1 ORDER BY created_at DESC LIMIT 1`, txRef)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOperationNotFound
	}
	return op, err
}

func (p *PostgresStore) InFlightOperation(ctx context.Context, escrowID string) (*Operation, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM escrow_operations
		WHERE escrow_id = $1 AND state IN ('pending', 'submitted', 'reconcile_required')`, escrowID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoOperation
	}
	return op, err
}

func (p *PostgresStore) ListStaleOperations(ctx context.Context, before time.Time, limit int) ([]*Operation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+operationColumns+` FROM escrow_operations
		WHERE state IN ('pending', 'submitted', 'reconcile_required')
		  AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, op)
	}
	return result, rows.Err()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status      string
		releaseRef  sql.NullString
		refundRef   sql.NullString
		agentPayout sql.NullString
		ownerPayout sql.NullString
	)

	err := s.Scan(
		&e.ID, &e.IntentID, &e.AgentID, &e.OwnerAddr, &e.AgentAddr, &e.Amount,
		&status, &e.DepositTxRef, &releaseRef, &refundRef,
		&agentPayout, &ownerPayout, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if e.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	e.ReleaseTxRef = releaseRef.String
	e.RefundTxRef = refundRef.String
	e.AgentPayout = agentPayout.String
	e.OwnerPayout = ownerPayout.String
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolution sql.NullString
		agentPct   sql.NullInt64
		resolveRef sql.NullString
		arbiter    sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.EscrowID, &d.Reason, &d.RaisedBy, &status, &resolution, &agentPct,
		&d.FlagTxRef, &resolveRef, &arbiter, &d.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if d.Status, err = ParseDisputeStatus(status); err != nil {
		return nil, err
	}
	if resolution.Valid {
		r, err := Resolution{Kind: ResolutionKind(resolution.String), AgentPercentage: int(agentPct.Int64)}.Normalize()
		if err != nil {
			return nil, err
		}
		d.Resolution = &r
	}
	d.ResolutionTxRef = resolveRef.String
	d.ArbiterAddr = arbiter.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func scanOperation(s scanner) (*Operation, error) {
	op := &Operation{}
	var (
		kind      string
		state     string
		txRef     sql.NullString
		instr     []byte
		disputeID sql.NullString
		errMsg    sql.NullString
	)

	err := s.Scan(
		&op.ID, &op.EscrowID, &kind, &state, &txRef, &op.Signer, &instr,
		&disputeID, &errMsg, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	op.Kind = OpKind(kind)
	op.State = OpState(state)
	op.TxRef = txRef.String
	op.DisputeID = disputeID.String
	op.Error = errMsg.String
	if err := json.Unmarshal(instr, &op.Instruction); err != nil {
		return nil, fmt.Errorf("decode instruction for %s: %w", op.ID, err)
	}
	return op, nil
}

func expectOneRow(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
