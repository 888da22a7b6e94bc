// Package ledger is the application's own accounting of each party's
// spendable (available) and reserved (locked) funds.
//
// Balances change only through Apply, which commits a Posting atomically:
// every leg is applied or none is, a leg that would drive either bucket
// below zero rejects the whole posting, and a posting key can be applied
// at most once. Posting keys are the deduplication mechanism for external
// transfer hashes and for settlement intents.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicate           = errors.New("posting already applied")
	ErrInvalidPosting      = errors.New("invalid posting")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrPostingNotFound     = errors.New("posting not found")
)

// Balance is one party's record. Both buckets are never negative.
type Balance struct {
	Party     string    `json:"party"`
	Available int64     `json:"available"`
	Locked    int64     `json:"locked"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Total is the only quantity meaningful to the party.
func (b Balance) Total() int64 { return b.Available + b.Locked }

// Leg is a signed change to one party's buckets.
type Leg struct {
	Party     string `json:"party"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

// Posting is an atomic, idempotent set of legs.
type Posting struct {
	Key       string    `json:"key"`
	Reason    string    `json:"reason"`
	Legs      []Leg     `json:"legs"`
	CreatedAt time.Time `json:"createdAt"`
}

// Entry is the per-leg audit row written when a posting is applied.
type Entry struct {
	ID             string    `json:"id"`
	PostingKey     string    `json:"postingKey"`
	Party          string    `json:"party"`
	Reason         string    `json:"reason"`
	AvailableDelta int64     `json:"availableDelta"`
	LockedDelta    int64     `json:"lockedDelta"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Store persists balances and postings.
type Store interface {
	// Apply commits p atomically. Returns ErrDuplicate if p.Key was already
	// applied and ErrInsufficientBalance if any bucket would go negative.
	Apply(ctx context.Context, p Posting) error
	GetBalance(ctx context.Context, party string) (*Balance, error)
	GetPosting(ctx context.Context, key string) (*Posting, error)
	History(ctx context.Context, party string, limit int) ([]*Entry, error)
	Totals(ctx context.Context) (available, locked int64, err error)
}

// Reasons recorded on postings.
const (
	ReasonDeposit    = "deposit"
	ReasonLock       = "lock"
	ReasonUnlock     = "unlock"
	ReasonSettle     = "settle"
	ReasonPayout     = "payout"
	ReasonReversal   = "reversal"
	ReasonCustody    = "custody"
	ReasonWithdrawal = "withdrawal"
)

// Ledger validates postings and hands them to the store.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Apply validates and commits a posting.
func (l *Ledger) Apply(ctx context.Context, p Posting) (err error) {
	done := trackPosting(p.Reason)
	defer func() { done(err) }()

	if p, err = normalize(p); err != nil {
		return err
	}
	return l.store.Apply(ctx, p)
}

// GetBalance returns the party's balance (zero if never seen).
func (l *Ledger) GetBalance(ctx context.Context, party string) (*Balance, error) {
	return l.store.GetBalance(ctx, strings.ToLower(party))
}

// HasPosting reports whether key was already applied.
func (l *Ledger) HasPosting(ctx context.Context, key string) (bool, error) {
	_, err := l.store.GetPosting(ctx, key)
	if errors.Is(err, ErrPostingNotFound) {
		return false, nil
	}
	return err == nil, err
}

// History returns the most recent entries for a party.
func (l *Ledger) History(ctx context.Context, party string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, strings.ToLower(party), limit)
}

// Totals sums every balance, for solvency checks.
func (l *Ledger) Totals(ctx context.Context) (available, locked int64, err error) {
	available, locked, err = l.store.Totals(ctx)
	if err == nil {
		balanceUnits.WithLabelValues("available").Set(float64(available))
		balanceUnits.WithLabelValues("locked").Set(float64(locked))
	}
	return available, locked, err
}

// Credit adds amount to party's available balance under key.
func (l *Ledger) Credit(ctx context.Context, party string, amount int64, key, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.Apply(ctx, Posting{Key: key, Reason: reason, Legs: []Leg{
		{Party: party, Available: amount},
	}})
}

// Lock moves amount from party's available to locked.
func (l *Ledger) Lock(ctx context.Context, party string, amount int64, key string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.Apply(ctx, Posting{Key: key, Reason: ReasonLock, Legs: []Leg{
		{Party: party, Available: -amount, Locked: amount},
	}})
}

// Unlock moves amount from party's locked back to available.
func (l *Ledger) Unlock(ctx context.Context, party string, amount int64, key string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.Apply(ctx, Posting{Key: key, Reason: ReasonUnlock, Legs: []Leg{
		{Party: party, Available: amount, Locked: -amount},
	}})
}

// Reverse applies the inverse of the posting stored under key, under
// key "reverse:<key>". Reversing twice returns ErrDuplicate.
func (l *Ledger) Reverse(ctx context.Context, key string) error {
	orig, err := l.store.GetPosting(ctx, key)
	if err != nil {
		return err
	}
	legs := make([]Leg, len(orig.Legs))
	for i, leg := range orig.Legs {
		legs[i] = Leg{Party: leg.Party, Available: -leg.Available, Locked: -leg.Locked}
	}
	return l.Apply(ctx, Posting{Key: ReversalKey(key), Reason: ReasonReversal, Legs: legs})
}

// ReversalKey is the posting key used by Reverse.
func ReversalKey(key string) string { return "reverse:" + key }

// normalize lower-cases parties, merges legs for the same party, drops
// zero legs and orders legs by party so stores lock rows consistently.
func normalize(p Posting) (Posting, error) {
	if strings.TrimSpace(p.Key) == "" {
		return p, fmt.Errorf("%w: key required", ErrInvalidPosting)
	}
	if p.Reason == "" {
		p.Reason = "unspecified"
	}

	merged := make(map[string]*Leg)
	for _, leg := range p.Legs {
		party := strings.ToLower(strings.TrimSpace(leg.Party))
		if party == "" {
			return p, fmt.Errorf("%w: leg without party", ErrInvalidPosting)
		}
		m, ok := merged[party]
		if !ok {
			m = &Leg{Party: party}
			merged[party] = m
		}
		m.Available += leg.Available
		m.Locked += leg.Locked
	}

	legs := make([]Leg, 0, len(merged))
	for _, leg := range merged {
		if leg.Available == 0 && leg.Locked == 0 {
			continue
		}
		legs = append(legs, *leg)
	}
	if len(legs) == 0 {
		return p, fmt.Errorf("%w: no effective legs", ErrInvalidPosting)
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].Party < legs[j].Party })

	p.Legs = legs
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return p, nil
}
