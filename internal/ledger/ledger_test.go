package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(NewMemoryStore())
}

func TestCredit(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Credit(ctx, alice, 1_000_000, "0xabc", ReasonDeposit))

	bal, err := l.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), bal.Available)
	assert.Equal(t, int64(0), bal.Locked)
}

func TestCredit_RejectsNonPositive(t *testing.T) {
	l := newTestLedger(t)
	assert.ErrorIs(t, l.Credit(context.Background(), alice, 0, "k", ReasonDeposit), ErrInvalidAmount)
	assert.ErrorIs(t, l.Credit(context.Background(), alice, -5, "k", ReasonDeposit), ErrInvalidAmount)
}

func TestApply_DuplicateKeyAppliedOnce(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	require.NoError(t, l.Credit(ctx, alice, 500, "0xdeposit", ReasonDeposit))
	err := l.Credit(ctx, alice, 500, "0xdeposit", ReasonDeposit)
	assert.ErrorIs(t, err, ErrDuplicate)

	bal, _ := l.GetBalance(ctx, alice)
	assert.Equal(t, int64(500), bal.Available)

	ok, err := l.HasPosting(ctx, "0xdeposit")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.HasPosting(ctx, "0xother")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApply_RejectsNegativeAtomically(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	require.NoError(t, l.Credit(ctx, alice, 100, "seed", ReasonDeposit))

	// Bob's leg would be fine on its own; alice's drives available negative.
	err := l.Apply(ctx, Posting{Key: "bad", Reason: ReasonSettle, Legs: []Leg{
		{Party: bob, Available: 150},
		{Party: alice, Available: -150},
	}})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	a, _ := l.GetBalance(ctx, alice)
	b, _ := l.GetBalance(ctx, bob)
	assert.Equal(t, int64(100), a.Available)
	assert.Equal(t, int64(0), b.Available)

	// The failed key was not consumed.
	ok, _ := l.HasPosting(ctx, "bad")
	assert.False(t, ok)
}

func TestLockUnlock(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	require.NoError(t, l.Credit(ctx, alice, 1000, "seed", ReasonDeposit))

	require.NoError(t, l.Lock(ctx, alice, 400, "lock:1"))
	bal, _ := l.GetBalance(ctx, alice)
	assert.Equal(t, int64(600), bal.Available)
	assert.Equal(t, int64(400), bal.Locked)
	assert.Equal(t, int64(1000), bal.Total())

	assert.ErrorIs(t, l.Lock(ctx, alice, 601, "lock:2"), ErrInsufficientBalance)
	assert.ErrorIs(t, l.Unlock(ctx, alice, 401, "unlock:1"), ErrInsufficientBalance)

	require.NoError(t, l.Unlock(ctx, alice, 400, "unlock:1"))
	bal, _ = l.GetBalance(ctx, alice)
	assert.Equal(t, int64(1000), bal.Available)
	assert.Equal(t, int64(0), bal.Locked)
}

func TestApply_MergesLegsAndNormalizesParty(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	upper := "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	err := l.Apply(ctx, Posting{Key: "m", Reason: ReasonDeposit, Legs: []Leg{
		{Party: upper, Available: 10},
		{Party: upper, Available: 5, Locked: 3},
	}})
	require.NoError(t, err)

	bal, _ := l.GetBalance(ctx, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.Equal(t, int64(15), bal.Available)
	assert.Equal(t, int64(3), bal.Locked)

	p, err := l.store.GetPosting(ctx, "m")
	require.NoError(t, err)
	assert.Len(t, p.Legs, 1)
}

func TestApply_InvalidPostings(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	tests := []struct {
		name string
		p    Posting
	}{
		{"empty key", Posting{Legs: []Leg{{Party: alice, Available: 1}}}},
		{"no legs", Posting{Key: "k"}},
		{"zero legs", Posting{Key: "k", Legs: []Leg{{Party: alice}}}},
		{"cancelling legs", Posting{Key: "k", Legs: []Leg{{Party: alice, Available: 5}, {Party: alice, Available: -5}}}},
		{"missing party", Posting{Key: "k", Legs: []Leg{{Available: 1}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, l.Apply(ctx, tt.p), ErrInvalidPosting)
		})
	}
}

func TestSettlementConservesTotal(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	require.NoError(t, l.Credit(ctx, alice, 1000, "seed", ReasonDeposit))
	require.NoError(t, l.Lock(ctx, alice, 1000, "lock"))

	require.NoError(t, l.Apply(ctx, Posting{Key: "settle", Reason: ReasonSettle, Legs: []Leg{
		{Party: alice, Locked: -1000},
		{Party: bob, Available: 1000},
	}}))

	avail, locked, err := l.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), avail+locked)
	assert.Equal(t, int64(0), locked)
}

func TestReverse(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	require.NoError(t, l.Credit(ctx, alice, 300, "dep", ReasonDeposit))

	require.NoError(t, l.Reverse(ctx, "dep"))
	bal, _ := l.GetBalance(ctx, alice)
	assert.Equal(t, int64(0), bal.Available)

	assert.ErrorIs(t, l.Reverse(ctx, "dep"), ErrDuplicate)
	assert.ErrorIs(t, l.Reverse(ctx, "missing"), ErrPostingNotFound)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Credit(ctx, alice, 10, fmt.Sprintf("d%d", i), ReasonDeposit))
	}
	require.NoError(t, l.Credit(ctx, bob, 10, "b", ReasonDeposit))

	entries, err := l.History(ctx, alice, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "d4", entries[0].PostingKey)
	for _, e := range entries {
		assert.Equal(t, alice, e.Party)
	}
}

func TestConcurrentLocks_NeverOverdraw(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	require.NoError(t, l.Credit(ctx, alice, 1000, "seed", ReasonDeposit))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Lock(ctx, alice, 100, fmt.Sprintf("lock-%d", i)); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, success)
	bal, _ := l.GetBalance(ctx, alice)
	assert.Equal(t, int64(0), bal.Available)
	assert.Equal(t, int64(1000), bal.Locked)
}

func TestConcurrentDuplicate_AppliedOnce(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Credit(ctx, alice, 250, "0xsamehash", ReasonDeposit)
		}()
	}
	wg.Wait()

	bal, _ := l.GetBalance(ctx, alice)
	assert.Equal(t, int64(250), bal.Available)
}
