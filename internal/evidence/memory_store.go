package evidence

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory evidence store for tests and demo mode.
type MemoryStore struct {
	mu      sync.RWMutex
	byTx    map[string][]*Record
	byID    map[string]bool
	records int
}

// NewMemoryStore creates a new in-memory evidence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTx: make(map[string][]*Record),
		byID: make(map[string]bool),
	}
}

func (m *MemoryStore) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// At-least-once delivery means replays; the record id dedupes them.
	if m.byID[rec.ID] {
		return nil
	}
	m.byID[rec.ID] = true

	cp := *rec
	m.byTx[rec.TransactionID] = append(m.byTx[rec.TransactionID], &cp)
	m.records++
	return nil
}

func (m *MemoryStore) ListByTransaction(_ context.Context, txID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs, ok := m.byTx[txID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*Record, len(recs))
	for i, r := range recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.records
}

var _ Store = (*MemoryStore)(nil)
