package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/intentpay/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	mu sync.RWMutex

	escrows map[string]*Escrow
	byPair  map[string]string // intent\x00agent -> escrow id

	disputes    map[string]*Dispute
	openDispute map[string]string // escrow id -> open dispute id

	ops      map[string]*Operation
	inFlight map[string]string // escrow id -> op id
	opsByRef map[string]string // tx ref -> op id
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:     make(map[string]*Escrow),
		byPair:      make(map[string]string),
		disputes:    make(map[string]*Dispute),
		openDispute: make(map[string]string),
		ops:         make(map[string]*Operation),
		inFlight:    make(map[string]string),
		opsByRef:    make(map[string]string),
	}
}

func pairKey(intentID, agentID string) string {
	return intentID + "\x00" + agentID
}

func (m *MemoryStore) Create(_ context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(e.IntentID, e.AgentID)
	if _, ok := m.escrows[e.ID]; ok {
		return ErrEscrowExists
	}
	if _, ok := m.byPair[key]; ok {
		return ErrEscrowExists
	}
	m.escrows[e.ID] = e.clone()
	m.byPair[key] = e.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.clone(), nil
}

func (m *MemoryStore) GetByPair(_ context.Context, intentID, agentID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPair[pairKey(intentID, agentID)]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return m.escrows[id].clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, t Transition) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[t.EscrowID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if e.Status != t.From {
		return nil, ErrStatusConflict
	}
	t.apply(e)
	return e.clone(), nil
}

func (m *MemoryStore) ListByIntent(_ context.Context, intentID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.IntentID == intentID {
			result = append(result, e.clone())
		}
	}
	sortEscrows(result)
	return result, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status, after *pagination.Cursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != status {
			continue
		}
		if after != nil && !after.Before(e.CreatedAt, e.ID) {
			continue
		}
		result = append(result, e.clone())
	}
	sortEscrows(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortEscrows(list []*Escrow) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func (m *MemoryStore) OpenDispute(_ context.Context, t Transition, d *Dispute) (*Escrow, *Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[t.EscrowID]
	if !ok {
		return nil, nil, ErrEscrowNotFound
	}
	if _, open := m.openDispute[t.EscrowID]; open {
		return nil, nil, ErrDisputeOpen
	}
	if e.Status != t.From {
		return nil, nil, ErrStatusConflict
	}
	t.apply(e)
	stored := d.clone()
	m.disputes[d.ID] = stored
	m.openDispute[t.EscrowID] = d.ID
	return e.clone(), stored.clone(), nil
}

func (m *MemoryStore) ResolveDispute(_ context.Context, r DisputeResolution) (*Escrow, *Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[r.DisputeID]
	if !ok {
		return nil, nil, ErrDisputeNotFound
	}
	if d.Status != DisputeOpen {
		return nil, nil, ErrStatusConflict
	}
	e, ok := m.escrows[r.Escrow.EscrowID]
	if !ok {
		return nil, nil, ErrEscrowNotFound
	}
	if e.Status != r.Escrow.From {
		return nil, nil, ErrStatusConflict
	}

	r.Escrow.apply(e)
	res := r.Resolution
	at := r.Escrow.At
	d.Status = DisputeResolved
	d.Resolution = &res
	d.ArbiterAddr = r.ArbiterAddr
	d.ResolutionTxRef = r.TxRef
	d.ResolvedAt = &at
	delete(m.openDispute, e.ID)
	return e.clone(), d.clone(), nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) GetOpenDispute(_ context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.openDispute[escrowID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return m.disputes[id].clone(), nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, escrowID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.EscrowID == escrowID {
			result = append(result, d.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) BeginOperation(_ context.Context, op *Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.inFlight[op.EscrowID]; busy {
		return ErrOperationInFlight
	}
	m.ops[op.ID] = op.clone()
	m.inFlight[op.EscrowID] = op.ID
	return nil
}

func (m *MemoryStore) MarkSubmitted(_ context.Context, opID, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[opID]
	if !ok || (op.State != OpPending && op.State != OpSubmitted) {
		return ErrOperationNotFound
	}
	op.State = OpSubmitted
	op.TxRef = txRef
	op.UpdatedAt = time.Now().UTC()
	m.opsByRef[txRef] = opID
	return nil
}

func (m *MemoryStore) FinishOperation(_ context.Context, opID string, state OpState, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[opID]
	if !ok {
		return ErrOperationNotFound
	}
	op.State = state
	op.Error = errMsg
	op.UpdatedAt = time.Now().UTC()
	if !state.InFlight() && m.inFlight[op.EscrowID] == opID {
		delete(m.inFlight, op.EscrowID)
	}
	return nil
}

func (m *MemoryStore) GetOperation(_ context.Context, id string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op.clone(), nil
}

func (m *MemoryStore) GetOperationByTxRef(_ context.Context, txRef string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.opsByRef[txRef]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return m.ops[id].clone(), nil
}

func (m *MemoryStore) InFlightOperation(_ context.Context, escrowID string) (*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.inFlight[escrowID]
	if !ok {
		return nil, ErrNoOperation
	}
	return m.ops[id].clone(), nil
}

func (m *MemoryStore) ListStaleOperations(_ context.Context, before time.Time, limit int) ([]*Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Operation
	for _, id := range m.inFlight {
		if op := m.ops[id]; op.UpdatedAt.Before(before) {
			result = append(result, op.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
