// Package reconciliation compares the custody wallet's on-chain balance
// against the ledger's total obligations.
package reconciliation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/usdc"
)

// LedgerTotals sums every balance the platform owes. ledger.Ledger
// satisfies it.
type LedgerTotals interface {
	Totals(ctx context.Context) (available, locked int64, err error)
}

// BalanceReader reads an on-chain balance. chain.Client satisfies it.
type BalanceReader interface {
	BalanceOf(ctx context.Context, addr string) (int64, error)
}

// Result is the outcome of one solvency check. Surplus is custody minus
// obligations; fees retained from on-ledger payouts show up here.
type Result struct {
	Solvent        bool      `json:"solvent"`
	CustodyBalance string    `json:"custodyBalance"`
	LedgerTotal    string    `json:"ledgerTotal"`
	Surplus        string    `json:"surplus"`
	CheckedAt      time.Time `json:"checkedAt"`

	surplus int64
}

// SurplusUnits returns the surplus in smallest units.
func (r *Result) SurplusUnits() int64 { return r.surplus }

// Service performs solvency checks.
type Service struct {
	ledger    LedgerTotals
	chain     BalanceReader
	custody   string
	tolerance int64
	last      atomic.Pointer[Result]
}

// NewService creates a solvency checker for the custody address.
func NewService(ledger LedgerTotals, chain BalanceReader, custody string) *Service {
	return &Service{
		ledger:  ledger,
		chain:   chain,
		custody: custody,
	}
}

// WithTolerance accepts shortfalls up to amount (smallest units) as solvent.
func (s *Service) WithTolerance(amount int64) *Service {
	if amount >= 0 {
		s.tolerance = amount
	}
	return s
}

// Check compares custody against ledger obligations and records the
// result as the latest.
func (s *Service) Check(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { checkDuration.Observe(time.Since(start).Seconds()) }()

	available, locked, err := s.ledger.Totals(ctx)
	if err != nil {
		checkErrors.Inc()
		return nil, fmt.Errorf("failed to sum ledger balances: %w", err)
	}
	owed := available + locked

	held, err := s.chain.BalanceOf(ctx, s.custody)
	if err != nil {
		checkErrors.Inc()
		return nil, fmt.Errorf("failed to get custody balance: %w", err)
	}

	surplus := held - owed
	res := &Result{
		Solvent:        surplus >= -s.tolerance,
		CustodyBalance: usdc.Format(held),
		LedgerTotal:    usdc.Format(owed),
		Surplus:        usdc.Format(surplus),
		CheckedAt:      time.Now(),
		surplus:        surplus,
	}

	custodyGauge.Set(float64(held))
	obligationsGauge.Set(float64(owed))
	if res.Solvent {
		insolventGauge.Set(0)
	} else {
		insolventGauge.Set(1)
	}
	s.last.Store(res)
	return res, nil
}

// Last returns the most recent result, or nil before the first check.
func (s *Service) Last() *Result {
	return s.last.Load()
}
