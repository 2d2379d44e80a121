package assignment

import (
	"context"
	"sort"
	"sync"
)

type pairKey struct{ intentID, agentID string }

// MemoryStore is an in-memory assignment store for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	pairs map[pairKey]*Assignment
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pairs: make(map[pairKey]*Assignment)}
}

func (m *MemoryStore) Put(_ context.Context, a *Assignment) (*Assignment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{a.IntentID, a.AgentID}
	if existing, ok := m.pairs[key]; ok {
		if !existing.sameAddresses(a) {
			return nil, false, ErrConflict
		}
		c := *existing
		return &c, false, nil
	}
	c := *a
	m.pairs[key] = &c
	out := c
	return &out, true, nil
}

func (m *MemoryStore) Get(_ context.Context, intentID, agentID string) (*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.pairs[pairKey{intentID, agentID}]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) ListByIntent(_ context.Context, intentID string) ([]*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Assignment
	for key, a := range m.pairs {
		if key.intentID == intentID {
			c := *a
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].AgentID < result[j].AgentID
	})
	return result, nil
}
