package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps assessments in process memory. It backs tests and
// deployments that run without a ledger directory or database.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Assessment
	ids     map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (m *MemoryStore) Insert(ctx context.Context, a Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[a.ID]; ok {
		return ErrDuplicateID
	}
	m.put(a)
	return nil
}

func (m *MemoryStore) InsertIfAbsent(ctx context.Context, a Assessment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[a.ID]; ok {
		return false, nil
	}
	m.put(a)
	return true, nil
}

func (m *MemoryStore) put(a Assessment) {
	m.ids[a.ID] = struct{}{}
	m.records = append(m.records, a)
}

func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]Assessment, error) {
	out := m.snapshot()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Scan(ctx context.Context, fn func(Assessment) error) error {
	for _, a := range m.snapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) snapshot() []Assessment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Assessment, len(m.records))
	copy(out, m.records)
	return out
}
