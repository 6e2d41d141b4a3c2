package policy

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory version history for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]*Version // by ID
}

// NewMemoryStore creates a new in-memory policy history.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string]*Version)}
}

func (m *MemoryStore) Save(_ context.Context, v *Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *v
	m.versions[v.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.versions[id]
	if !ok {
		return nil, ErrVersionNotFound
	}
	cp := *v
	cp.index()
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Version, 0, len(m.versions))
	for _, v := range m.versions {
		cp := *v
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkSuperseded(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.versions[id]
	if !ok {
		return ErrVersionNotFound
	}
	v.Status = StatusSuperseded
	return nil
}

var _ Store = (*MemoryStore)(nil)
