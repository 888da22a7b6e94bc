package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const custody = "0xc000000000000000000000000000000000000001"

type stubLedger struct {
	available, locked int64
	err               error
}

func (s *stubLedger) Totals(context.Context) (int64, int64, error) {
	return s.available, s.locked, s.err
}

type stubChain struct {
	balances map[string]int64
	err      error
}

func (s *stubChain) BalanceOf(_ context.Context, addr string) (int64, error) {
	return s.balances[addr], s.err
}

func TestCheck_Solvent(t *testing.T) {
	svc := NewService(&stubLedger{available: 100_000_000, locked: 25_000_000},
		&stubChain{balances: map[string]int64{custody: 126_000_000}}, custody)

	res, err := svc.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Solvent)
	assert.Equal(t, "126.000000", res.CustodyBalance)
	assert.Equal(t, "125.000000", res.LedgerTotal)
	assert.Equal(t, "1.000000", res.Surplus)
	assert.Equal(t, int64(1_000_000), res.SurplusUnits())
	assert.Same(t, res, svc.Last())
}

func TestCheck_Shortfall(t *testing.T) {
	svc := NewService(&stubLedger{available: 10_000_000},
		&stubChain{balances: map[string]int64{custody: 9_500_000}}, custody)

	res, err := svc.Check(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Solvent)
	assert.Equal(t, int64(-500_000), res.SurplusUnits())

	svc.WithTolerance(1_000_000)
	res, err = svc.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Solvent)
}

func TestCheck_Errors(t *testing.T) {
	svc := NewService(&stubLedger{err: errors.New("db down")}, &stubChain{}, custody)
	_, err := svc.Check(context.Background())
	assert.Error(t, err)
	assert.Nil(t, svc.Last())

	svc = NewService(&stubLedger{}, &stubChain{err: errors.New("rpc down")}, custody)
	_, err = svc.Check(context.Background())
	assert.Error(t, err)
}

func TestMonitor_ChecksOnStartAndStops(t *testing.T) {
	svc := NewService(&stubLedger{available: 1}, &stubChain{balances: map[string]int64{custody: 1}}, custody)
	mon := NewMonitor(svc, slog.Default()).WithSchedule("@every 1h")

	done := make(chan error, 1)
	go func() { done <- mon.Start(context.Background()) }()

	require.Eventually(t, func() bool { return svc.Last() != nil }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, mon.Running())
	mon.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.False(t, mon.Running())
}

func TestMonitor_InvalidSchedule(t *testing.T) {
	svc := NewService(&stubLedger{}, &stubChain{}, custody)
	err := NewMonitor(svc, slog.Default()).WithSchedule("not a schedule").Start(context.Background())
	assert.Error(t, err)
}

func TestMonitor_TracksShortfallAndRecovery(t *testing.T) {
	ledger := &stubLedger{available: 10}
	chain := &stubChain{balances: map[string]int64{custody: 5}}
	svc := NewService(ledger, chain, custody)
	mon := NewMonitor(svc, slog.Default())

	mon.tick(context.Background())
	assert.True(t, mon.Insolvent())

	// A failed check leaves the last known state alone.
	chain.err = errors.New("rpc down")
	mon.tick(context.Background())
	assert.True(t, mon.Insolvent())

	chain.err = nil
	chain.balances[custody] = 10
	mon.tick(context.Background())
	assert.False(t, mon.Insolvent())
}
