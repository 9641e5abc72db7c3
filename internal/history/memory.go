package history

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps history in process memory; used in tests and when
// persistence is disabled
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

func copyRun(r *Run, withTasks bool) *Run {
	c := *r
	c.Tasks = nil
	if withTasks && len(r.Tasks) > 0 {
		c.Tasks = append([]TaskRecord(nil), r.Tasks...)
	}
	return &c
}

func (m *MemoryStore) SaveRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = copyRun(run, true)
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, idOrLabel string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.runs[idOrLabel]; ok {
		return copyRun(r, true), nil
	}
	var found *Run
	for _, r := range m.runs {
		if r.Label == idOrLabel && (found == nil || r.StartedAt.After(found.StartedAt)) {
			found = r
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, idOrLabel)
	}
	return copyRun(found, true), nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, copyRun(r, false))
	}
	m.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.runs, id)
	return nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
