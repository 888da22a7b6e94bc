package escrow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/pagination"
)

// MemoryStore is an in-memory transaction store for development and tests.
type MemoryStore struct {
	txns map[string]*Transaction
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: make(map[string]*Transaction)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txns[txn.ID]; ok {
		return fmt.Errorf("transaction %s already exists", txn.ID)
	}
	m.txns[txn.ID] = clone(txn)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(txn), nil
}

func (m *MemoryStore) Update(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txns[txn.ID]; !ok {
		return ErrNotFound
	}
	m.txns[txn.ID] = clone(txn)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, party string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	addr := strings.ToLower(party)
	result := m.filter(func(t *Transaction) bool {
		return (t.Buyer == addr || t.Seller == addr) && before.After(t.CreatedAt, t.ID)
	})
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return head(result, limit), nil
}

func (m *MemoryStore) ListReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	result := m.filter(func(t *Transaction) bool {
		return t.ReleaseEligible(now) && t.ReleaseTxHash == "" && t.RefundTxHash == ""
	})
	sort.Slice(result, func(i, j int) bool { return result[i].DeliveredAt.Before(*result[j].DeliveredAt) })
	return head(result, limit), nil
}

func (m *MemoryStore) ListRefundCandidates(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	result := m.filter(func(t *Transaction) bool {
		return t.RefundEligible(now) && t.ReleaseTxHash == "" && t.RefundTxHash == ""
	})
	sort.Slice(result, func(i, j int) bool { return result[i].Deadline.Before(result[j].Deadline) })
	return head(result, limit), nil
}

func (m *MemoryStore) ListPendingPayouts(ctx context.Context, kind PayoutKind, limit int) ([]*Transaction, error) {
	result := m.filter(func(t *Transaction) bool {
		return !t.IsTerminal() && t.FundingSource == FundingOnLedger && t.PayoutHash(kind) != ""
	})
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	return head(result, limit), nil
}

func (m *MemoryStore) ListUnreconciled(ctx context.Context, limit int) ([]*Transaction, error) {
	result := m.filter(func(t *Transaction) bool {
		return t.State == StateReleased || t.State == StateRefunded
	})
	sort.Slice(result, func(i, j int) bool { return result[i].CompletedAt.Before(*result[j].CompletedAt) })
	return head(result, limit), nil
}

func (m *MemoryStore) CountPending(ctx context.Context, now time.Time) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var release, refund int
	for _, t := range m.txns {
		if t.IsTerminal() {
			continue
		}
		switch {
		case t.ReleaseTxHash != "" || t.ReleaseEligible(now):
			release++
		case t.RefundTxHash != "" || t.RefundEligible(now):
			refund++
		}
	}
	return release, refund, nil
}

func (m *MemoryStore) filter(keep func(*Transaction) bool) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if keep(t) {
			result = append(result, clone(t))
		}
	}
	return result
}

func head(txns []*Transaction, limit int) []*Transaction {
	if limit > 0 && len(txns) > limit {
		return txns[:limit]
	}
	return txns
}

// clone deep-copies txn so callers never share slices or time pointers
// with the stored value.
func clone(txn *Transaction) *Transaction {
	cp := *txn
	if txn.Evidence != nil {
		cp.Evidence = make([]EvidenceEntry, len(txn.Evidence))
		copy(cp.Evidence, txn.Evidence)
	}
	cp.FundedAt = copyTime(txn.FundedAt)
	cp.DeliveredAt = copyTime(txn.DeliveredAt)
	cp.DisputedAt = copyTime(txn.DisputedAt)
	cp.CompletedAt = copyTime(txn.CompletedAt)
	cp.ReconciledAt = copyTime(txn.ReconciledAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
