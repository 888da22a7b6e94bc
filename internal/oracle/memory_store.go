package oracle

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps runs in memory for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	runs []*Run
}

// NewMemoryStore creates an in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ RunStore = (*MemoryStore)(nil)

func (m *MemoryStore) Save(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs = append(m.runs, &cp)
	return nil
}

func (m *MemoryStore) ListSince(ctx context.Context, runType RunType, since time.Time) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Run
	for _, r := range m.runs {
		if runType != "" && r.RunType != runType {
			continue
		}
		if r.StartedAt.Before(since) {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.After(result[j].StartedAt) })
	return result, nil
}

func (m *MemoryStore) Latest(ctx context.Context, runType RunType) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Run
	for _, r := range m.runs {
		if runType != "" && r.RunType != runType {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNoRuns
	}
	cp := *latest
	return &cp, nil
}
