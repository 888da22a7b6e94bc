package oracle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/chain"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	custody = "0xc000000000000000000000000000000000000001"
	buyer   = "0xb000000000000000000000000000000000000002"
	seller  = "0x5000000000000000000000000000000000000003"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	net      *chain.MemoryNetwork
	verifier *settlement.Verifier
	store    *escrow.MemoryStore
	svc      *escrow.Service
	runs     *MemoryStore
	engine   *Engine
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	net := chain.NewMemoryNetwork(custody)
	l := ledger.New(ledger.NewMemoryStore())
	records := settlement.NewMemoryStore()
	payer := settlement.NewPayer(net, l, records, logger).WithPollInterval(5 * time.Millisecond)
	store := escrow.NewMemoryStore()
	clock := &testClock{t: time.Now()}
	svc := escrow.NewService(store, l, payer, custody, logger).
		WithClock(clock.Now).
		WithConfirmTimeout(50 * time.Millisecond)
	verifier := settlement.NewVerifier(net, l, records, logger).WithEscrow(svc)
	runs := NewMemoryStore()
	return &fixture{
		net:      net,
		verifier: verifier,
		store:    store,
		svc:      svc,
		runs:     runs,
		engine:   NewEngine(svc, store, runs, logger),
		clock:    clock,
	}
}

func (f *fixture) create(t *testing.T, amount int64, source escrow.FundingSource) *escrow.Transaction {
	t.Helper()
	txn, err := f.svc.Create(context.Background(), escrow.CreateCommand{
		Buyer:         buyer,
		Seller:        seller,
		Amount:        amount,
		FundingSource: source,
	})
	require.NoError(t, err)
	return txn
}

func (f *fixture) fundedOnBalance(t *testing.T, amount int64) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	_, err := f.verifier.VerifyDepositHash(ctx, f.net.Inject(buyer, custody, amount))
	require.NoError(t, err)
	txn := f.create(t, amount, escrow.FundingPlatformBalance)
	txn, err = f.svc.FundFromBalance(ctx, txn.ID, buyer)
	require.NoError(t, err)
	return txn
}

func (f *fixture) fundedOnLedger(t *testing.T, amount int64) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	txn := f.create(t, amount, escrow.FundingOnLedger)
	_, err := f.verifier.VerifyEscrowFunding(ctx, txn.ID, f.net.Inject(buyer, custody, amount))
	require.NoError(t, err)
	return txn
}

func (f *fixture) deliver(t *testing.T, txn *escrow.Transaction) {
	t.Helper()
	_, err := f.svc.MarkDelivered(context.Background(), txn.ID, seller, "sha256:abc")
	require.NoError(t, err)
}

func (f *fixture) state(t *testing.T, id string) escrow.State {
	t.Helper()
	txn, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return txn.State
}

func TestRun_AutoReleaseSettlesEligible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.fundedOnBalance(t, 1_000_000)
	b := f.fundedOnBalance(t, 2_000_000)
	early := f.fundedOnBalance(t, 3_000_000)
	f.deliver(t, a)
	f.deliver(t, b)
	f.clock.Advance(25 * time.Hour)
	f.deliver(t, early)

	run, err := f.engine.Run(ctx, RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, 2, run.SuccessCount)
	assert.Equal(t, 0, run.FailureCount)
	assert.Equal(t, escrow.StateReleased, f.state(t, a.ID))
	assert.Equal(t, escrow.StateReleased, f.state(t, b.ID))
	assert.Equal(t, escrow.StateDelivered, f.state(t, early.ID))

	again, err := f.engine.Run(ctx, RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, 0, again.SuccessCount)

	latest, err := f.runs.Latest(ctx, RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, again.ID, latest.ID)
}

func TestRun_AutoRefundAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.fundedOnBalance(t, 1_000_000)

	run, err := f.engine.Run(ctx, RunAutoRefund)
	require.NoError(t, err)
	assert.Equal(t, 0, run.SuccessCount)

	f.clock.Advance(escrow.DefaultDeadline + time.Hour)
	run, err = f.engine.Run(ctx, RunAutoRefund)
	require.NoError(t, err)
	assert.Equal(t, 1, run.SuccessCount)
	assert.Equal(t, escrow.StateRefunded, f.state(t, txn.ID))
}

func TestRun_ReconcileAfterRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.fundedOnBalance(t, 1_000_000)
	f.deliver(t, txn)
	f.clock.Advance(25 * time.Hour)

	_, err := f.engine.Run(ctx, RunAutoRelease)
	require.NoError(t, err)

	run, err := f.engine.Run(ctx, RunReconcile)
	require.NoError(t, err)
	assert.Equal(t, 1, run.SuccessCount)
	assert.Equal(t, escrow.StateReconciled, f.state(t, txn.ID))
}

// An unconfirmed payout is skipped, not failed, and the next run
// finalizes it from the recorded hash without sending again.
func TestRun_UnconfirmedPayoutResumesWithoutResubmitting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.fundedOnLedger(t, 1_000_000)
	f.deliver(t, txn)
	f.clock.Advance(25 * time.Hour)

	first, err := f.engine.Run(ctx, RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, 0, first.SuccessCount)
	assert.Equal(t, 0, first.FailureCount)
	assert.Equal(t, 1, first.SkippedCount)
	require.Equal(t, 1, f.net.Submitted())

	pending, err := f.svc.Get(ctx, txn.ID)
	require.NoError(t, err)
	require.NotEmpty(t, pending.ReleaseTxHash)
	_, err = f.net.Confirm(pending.ReleaseTxHash)
	require.NoError(t, err)

	second, err := f.engine.Run(ctx, RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, 1, second.SuccessCount)
	assert.Equal(t, 1, f.net.Submitted())
	assert.Equal(t, escrow.StateReleased, f.state(t, txn.ID))
}

type fakeTxns struct {
	now  time.Time
	fail map[string]error
	seen []string
}

func (f *fakeTxns) call(id string) (*escrow.Outcome, error) {
	f.seen = append(f.seen, id)
	if id == "txn_panic" {
		panic("boom")
	}
	if err := f.fail[id]; err != nil {
		return nil, err
	}
	return &escrow.Outcome{Transaction: &escrow.Transaction{ID: id}}, nil
}

func (f *fakeTxns) Release(ctx context.Context, id string, trigger escrow.Trigger) (*escrow.Outcome, error) {
	return f.call(id)
}

func (f *fakeTxns) Refund(ctx context.Context, id string, trigger escrow.Trigger) (*escrow.Outcome, error) {
	return f.call(id)
}

func (f *fakeTxns) ResumePayout(ctx context.Context, id string) (*escrow.Outcome, error) {
	return f.call(id)
}

func (f *fakeTxns) Reconcile(ctx context.Context, id string) (*escrow.Outcome, error) {
	return f.call(id)
}

func (f *fakeTxns) Now() time.Time { return f.now }

type fakeCandidates struct {
	release []*escrow.Transaction
	listErr error
}

func (f *fakeCandidates) ListReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*escrow.Transaction, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.release, nil
}

func (f *fakeCandidates) ListRefundCandidates(ctx context.Context, now time.Time, limit int) ([]*escrow.Transaction, error) {
	return nil, nil
}

func (f *fakeCandidates) ListPendingPayouts(ctx context.Context, kind escrow.PayoutKind, limit int) ([]*escrow.Transaction, error) {
	return nil, nil
}

func (f *fakeCandidates) ListUnreconciled(ctx context.Context, limit int) ([]*escrow.Transaction, error) {
	return nil, nil
}

func txns(ids ...string) []*escrow.Transaction {
	out := make([]*escrow.Transaction, len(ids))
	for i, id := range ids {
		out[i] = &escrow.Transaction{ID: id}
	}
	return out
}

func TestRun_FailureDoesNotAbortBatch(t *testing.T) {
	fake := &fakeTxns{now: time.Now(), fail: map[string]error{"txn_bad": errors.New("store down")}}
	cands := &fakeCandidates{release: txns("txn_a", "txn_bad", "txn_panic", "txn_c")}
	runs := NewMemoryStore()
	e := NewEngine(fake, cands, runs, slog.Default())

	run, err := e.Run(context.Background(), RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, 2, run.SuccessCount)
	assert.Equal(t, 2, run.FailureCount)
	assert.Equal(t, []string{"txn_a", "txn_bad", "txn_panic", "txn_c"}, fake.seen)
}

func TestRun_RaceOutcomesAreSkipped(t *testing.T) {
	fake := &fakeTxns{now: time.Now(), fail: map[string]error{
		"txn_moved":    escrow.ErrNotEligible,
		"txn_inflight": escrow.ErrPayoutInFlight,
		"txn_pending":  settlement.ErrTransferUnconfirmed,
	}}
	cands := &fakeCandidates{release: txns("txn_moved", "txn_inflight", "txn_pending")}
	e := NewEngine(fake, cands, NewMemoryStore(), slog.Default())

	run, err := e.Run(context.Background(), RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, 0, run.FailureCount)
	assert.Equal(t, 3, run.SkippedCount)
}

func TestRun_ListErrorCountsAsFailure(t *testing.T) {
	fake := &fakeTxns{now: time.Now()}
	cands := &fakeCandidates{listErr: errors.New("connection refused")}
	runs := NewMemoryStore()
	e := NewEngine(fake, cands, runs, slog.Default())

	run, err := e.Run(context.Background(), RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, 1, run.FailureCount)

	saved, err := runs.ListSince(context.Background(), RunAutoRelease, time.Time{})
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestRun_OpenCircuitSkipsCandidate(t *testing.T) {
	fake := &fakeTxns{now: time.Now(), fail: map[string]error{"txn_bad": errors.New("rpc error")}}
	cands := &fakeCandidates{release: txns("txn_bad")}
	e := NewEngine(fake, cands, NewMemoryStore(), slog.Default()).
		WithBreaker(circuitbreaker.New(1, time.Hour).WithName("oracle_test"))

	first, err := e.Run(context.Background(), RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, 1, first.FailureCount)

	second, err := e.Run(context.Background(), RunAutoRelease)
	require.NoError(t, err)
	assert.Equal(t, 0, second.FailureCount)
	assert.Equal(t, 1, second.SkippedCount)
	assert.Len(t, fake.seen, 1)
}

func TestRun_SingleFlight(t *testing.T) {
	fake := &fakeTxns{now: time.Now()}
	runs := NewMemoryStore()
	locker := NewLocalLocker()
	e := NewEngine(fake, &fakeCandidates{}, runs, slog.Default()).WithLocker(locker)
	ctx := context.Background()

	release, err := locker.TryLock(ctx, string(RunAutoRelease))
	require.NoError(t, err)

	run, err := e.Run(ctx, RunAutoRelease)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, run)

	// Other run types are independent.
	_, err = e.Run(ctx, RunReconcile)
	require.NoError(t, err)

	release()
	_, err = e.Run(ctx, RunAutoRelease)
	require.NoError(t, err)

	saved, err := runs.ListSince(ctx, "", time.Time{})
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestRun_UnknownType(t *testing.T) {
	e := NewEngine(&fakeTxns{}, &fakeCandidates{}, NewMemoryStore(), slog.Default())
	_, err := e.Run(context.Background(), RunType("auto_burn"))
	assert.ErrorIs(t, err, ErrUnknownRunType)
}

func TestParseRunType(t *testing.T) {
	rt, err := ParseRunType(" Auto_Release ")
	require.NoError(t, err)
	assert.Equal(t, RunAutoRelease, rt)

	_, err = ParseRunType("")
	assert.ErrorIs(t, err, ErrUnknownRunType)
}
