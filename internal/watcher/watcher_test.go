package watcher

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	custody = "0xc000000000000000000000000000000000000001"
	alice   = "0xa000000000000000000000000000000000000002"
	bob     = "0xb000000000000000000000000000000000000003"
)

type fixture struct {
	net     *chain.MemoryNetwork
	ledger  *ledger.Ledger
	watcher *Watcher
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	net := chain.NewMemoryNetwork(custody)
	l := ledger.New(ledger.NewMemoryStore())
	v := settlement.NewVerifier(net, l, settlement.NewMemoryStore(), slog.Default())
	w := New(net, v, Config{PollInterval: time.Hour, StartBlock: 1, Grace: grace}, slog.Default())
	require.NoError(t, w.init(context.Background()))
	return &fixture{net: net, ledger: l, watcher: w}
}

func (f *fixture) available(t *testing.T, party string) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), party)
	require.NoError(t, err)
	return b.Available
}

func TestPoll_CreditsDepositsOnce(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.net.Inject(alice, custody, 5_000_000)
	f.net.Inject(bob, custody, 1_000_000)
	f.net.Inject(alice, bob, 7) // not to custody

	n, err := f.watcher.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(5_000_000), f.available(t, alice))
	assert.Equal(t, int64(1_000_000), f.available(t, bob))
	assert.Equal(t, uint64(3), f.watcher.Cursor())

	// Rescanning from the start credits nothing new.
	f.watcher.lastBlock = 0
	n, err = f.watcher.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(5_000_000), f.available(t, alice))
}

func TestPoll_GracePeriodHoldsCursor(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	f.net.Inject(alice, custody, 2_000_000)

	n, err := f.watcher.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint64(0), f.watcher.Cursor())
	assert.Equal(t, int64(0), f.available(t, alice))

	f.watcher.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = f.watcher.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(2_000_000), f.available(t, alice))
	assert.Equal(t, uint64(1), f.watcher.Cursor())
}

func TestStart_StopsOnStop(t *testing.T) {
	net := chain.NewMemoryNetwork(custody)
	v := settlement.NewVerifier(net, ledger.New(ledger.NewMemoryStore()), settlement.NewMemoryStore(), slog.Default())
	w := New(net, v, DefaultConfig(), slog.Default())

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()
	require.Eventually(t, w.Running, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
