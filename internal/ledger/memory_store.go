package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
)

// MemoryStore is an in-memory ledger store for development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	postings map[string]*Posting
	entries  []*Entry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		postings: make(map[string]*Posting),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Apply(ctx context.Context, p Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.postings[p.Key]; ok {
		return ErrDuplicate
	}

	// Check every leg before touching anything.
	for _, leg := range p.Legs {
		cur := m.balances[leg.Party]
		var avail, locked int64
		if cur != nil {
			avail, locked = cur.Available, cur.Locked
		}
		if avail+leg.Available < 0 || locked+leg.Locked < 0 {
			return ErrInsufficientBalance
		}
	}

	now := time.Now()
	for _, leg := range p.Legs {
		b, ok := m.balances[leg.Party]
		if !ok {
			b = &Balance{Party: leg.Party}
			m.balances[leg.Party] = b
		}
		b.Available += leg.Available
		b.Locked += leg.Locked
		b.UpdatedAt = now

		m.entries = append(m.entries, &Entry{
			ID:             idgen.New(),
			PostingKey:     p.Key,
			Party:          leg.Party,
			Reason:         p.Reason,
			AvailableDelta: leg.Available,
			LockedDelta:    leg.Locked,
			CreatedAt:      now,
		})
	}

	cp := p
	cp.Legs = append([]Leg(nil), p.Legs...)
	m.postings[p.Key] = &cp
	return nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, party string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[party]
	if !ok {
		return &Balance{Party: party, UpdatedAt: time.Now()}, nil
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) GetPosting(ctx context.Context, key string) (*Posting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.postings[key]
	if !ok {
		return nil, ErrPostingNotFound
	}
	cp := *p
	cp.Legs = append([]Leg(nil), p.Legs...)
	return &cp, nil
}

func (m *MemoryStore) History(ctx context.Context, party string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Party == party {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Totals(ctx context.Context) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var avail, locked int64
	for _, b := range m.balances {
		avail += b.Available
		locked += b.Locked
	}
	return avail, locked, nil
}
