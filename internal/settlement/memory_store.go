package settlement

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// MemoryStore is an in-memory transfer record store for development mode
// and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*TransferRecord
	byHash map[string]string
	byRef  map[string]string // reference#attempt -> id
}

// NewMemoryStore creates a new in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*TransferRecord),
		byHash: make(map[string]string),
		byRef:  make(map[string]string),
	}
}

var _ RecordStore = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, rec *TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := attemptKey(rec)
	if _, ok := m.byRef[ref]; ok {
		return ErrDuplicate
	}
	if rec.TxHash != "" {
		if _, ok := m.byHash[rec.TxHash]; ok {
			return ErrDuplicate
		}
		m.byHash[rec.TxHash] = rec.ID
	}
	m.byRef[ref] = rec.ID
	cp := *rec
	m.byID[rec.ID] = &cp
	return nil
}

func attemptKey(rec *TransferRecord) string {
	return rec.Reference + "#" + strconv.Itoa(rec.Attempt)
}

func (m *MemoryStore) Update(ctx context.Context, rec *TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.byID[rec.ID]
	if !ok {
		return ErrRecordNotFound
	}
	if rec.TxHash != "" && rec.TxHash != cur.TxHash {
		if id, taken := m.byHash[rec.TxHash]; taken && id != rec.ID {
			return ErrDuplicate
		}
		m.byHash[rec.TxHash] = rec.ID
	}
	cp := *rec
	m.byID[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetByHash(ctx context.Context, hash string) (*TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHash[hash]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) LatestByReference(ctx context.Context, reference string) (*TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *TransferRecord
	for _, r := range m.byID {
		if r.Reference == reference && (latest == nil || r.Attempt > latest.Attempt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrRecordNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status RecordStatus, limit int) ([]*TransferRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TransferRecord
	for _, r := range m.byID {
		if r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
