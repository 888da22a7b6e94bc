package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/mbd888/escrowd/internal/traces"
)

// DefaultBatchSize bounds how many candidates of each kind one run handles.
const DefaultBatchSize = 100

// Transactions is the part of the state machine the engine drives.
type Transactions interface {
	Release(ctx context.Context, id string, trigger escrow.Trigger) (*escrow.Outcome, error)
	Refund(ctx context.Context, id string, trigger escrow.Trigger) (*escrow.Outcome, error)
	ResumePayout(ctx context.Context, id string) (*escrow.Outcome, error)
	Reconcile(ctx context.Context, id string) (*escrow.Outcome, error)
	Now() time.Time
}

// Candidates finds transactions for each run type. escrow.Store
// satisfies it.
type Candidates interface {
	ListReleaseCandidates(ctx context.Context, now time.Time, limit int) ([]*escrow.Transaction, error)
	ListRefundCandidates(ctx context.Context, now time.Time, limit int) ([]*escrow.Transaction, error)
	ListPendingPayouts(ctx context.Context, kind escrow.PayoutKind, limit int) ([]*escrow.Transaction, error)
	ListUnreconciled(ctx context.Context, limit int) ([]*escrow.Transaction, error)
}

type result string

const (
	resultSuccess result = "success"
	resultFailure result = "failure"
	resultSkipped result = "skipped"
)

// Engine executes reconciliation runs.
type Engine struct {
	txns       Transactions
	candidates Candidates
	runs       RunStore
	locker     Locker
	breaker    *circuitbreaker.Breaker
	batchSize  int
	events     escrow.EventSink
	logger     *slog.Logger
}

// NewEngine creates an engine with an in-process locker.
func NewEngine(txns Transactions, candidates Candidates, runs RunStore, logger *slog.Logger) *Engine {
	return &Engine{
		txns:       txns,
		candidates: candidates,
		runs:       runs,
		locker:     NewLocalLocker(),
		breaker:    circuitbreaker.New(3, 15*time.Minute).WithName("oracle_candidates"),
		batchSize:  DefaultBatchSize,
		logger:     logger,
	}
}

// WithLocker replaces the single-flight locker (e.g. with a RedisLocker
// when several replicas run the engine).
func (e *Engine) WithLocker(l Locker) *Engine {
	e.locker = l
	return e
}

// WithBatchSize sets the per-kind candidate limit.
func (e *Engine) WithBatchSize(n int) *Engine {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// WithBreaker replaces the per-candidate circuit breaker.
func (e *Engine) WithBreaker(b *circuitbreaker.Breaker) *Engine {
	e.breaker = b
	return e
}

// WithEvents streams completed runs.
func (e *Engine) WithEvents(sink escrow.EventSink) *Engine {
	e.events = sink
	return e
}

// Run executes one run of runType and persists its record. A run of the
// same type already in flight returns ErrRunInProgress and records
// nothing.
func (e *Engine) Run(ctx context.Context, runType RunType) (_ *Run, err error) {
	if _, err := ParseRunType(string(runType)); err != nil {
		return nil, err
	}

	release, err := e.locker.TryLock(ctx, string(runType))
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			runsSkipped.WithLabelValues(string(runType)).Inc()
		}
		return nil, err
	}
	defer release()

	ctx, span := traces.StartSpan(ctx, "oracle.Run", traces.RunType(string(runType)))
	defer func() { traces.End(span, err) }()

	run := &Run{
		ID:        uuid.NewString(),
		RunType:   runType,
		StartedAt: e.txns.Now(),
	}

	switch runType {
	case RunAutoRelease:
		e.resumePayouts(ctx, run, escrow.PayoutRelease)
		e.settleFresh(ctx, run, e.candidates.ListReleaseCandidates, e.txns.Release)
	case RunAutoRefund:
		e.resumePayouts(ctx, run, escrow.PayoutRefund)
		e.settleFresh(ctx, run, e.candidates.ListRefundCandidates, e.txns.Refund)
	case RunReconcile:
		e.reconcile(ctx, run)
	}

	run.CompletedAt = e.txns.Now()
	runsTotal.WithLabelValues(string(runType)).Inc()
	runDuration.WithLabelValues(string(runType)).Observe(run.Duration().Seconds())
	lastRunTimestamp.WithLabelValues(string(runType)).Set(float64(run.CompletedAt.Unix()))

	// Persist even when the caller's context is gone; the run happened.
	saveCtx := context.WithoutCancel(ctx)
	if err := retry.Store.Do(saveCtx, "oracle.save_run", func() error {
		return e.runs.Save(saveCtx, run)
	}); err != nil {
		e.logger.Error("failed to record oracle run", "runId", run.ID, "runType", runType, "error", err)
		return run, fmt.Errorf("save run: %w", err)
	}

	e.logger.Info("oracle run completed",
		"runId", run.ID,
		"runType", runType,
		"success", run.SuccessCount,
		"failure", run.FailureCount,
		"skipped", run.SkippedCount,
		"duration", run.Duration(),
	)
	if e.events != nil {
		e.events.Emit("oracle_run", nil, map[string]interface{}{
			"id":      run.ID,
			"runType": string(run.RunType),
			"success": run.SuccessCount,
			"failure": run.FailureCount,
			"skipped": run.SkippedCount,
		})
	}
	return run, nil
}

// resumePayouts polls payouts left unconfirmed by earlier attempts.
func (e *Engine) resumePayouts(ctx context.Context, run *Run, kind escrow.PayoutKind) {
	pending, err := e.candidates.ListPendingPayouts(ctx, kind, e.batchSize)
	if err != nil {
		e.logger.Warn("failed to list pending payouts", "kind", kind, "error", err)
		run.FailureCount++
		return
	}
	for _, txn := range pending {
		if ctx.Err() != nil {
			return
		}
		e.attempt(ctx, run, txn.ID, e.txns.ResumePayout)
	}
}

type listFunc func(ctx context.Context, now time.Time, limit int) ([]*escrow.Transaction, error)
type settleFunc func(ctx context.Context, id string, trigger escrow.Trigger) (*escrow.Outcome, error)

// settleFresh settles candidates without a payout hash. Candidates are
// independent; one failing never stops the batch.
func (e *Engine) settleFresh(ctx context.Context, run *Run, list listFunc, settle settleFunc) {
	candidates, err := list(ctx, e.txns.Now(), e.batchSize)
	if err != nil {
		e.logger.Warn("failed to list candidates", "runType", run.RunType, "error", err)
		run.FailureCount++
		return
	}
	for _, txn := range candidates {
		if ctx.Err() != nil {
			return
		}
		e.attempt(ctx, run, txn.ID, func(ctx context.Context, id string) (*escrow.Outcome, error) {
			return settle(ctx, id, escrow.TriggerAuto)
		})
	}
}

func (e *Engine) reconcile(ctx context.Context, run *Run) {
	done, err := e.candidates.ListUnreconciled(ctx, e.batchSize)
	if err != nil {
		e.logger.Warn("failed to list unreconciled transactions", "error", err)
		run.FailureCount++
		return
	}
	for _, txn := range done {
		if ctx.Err() != nil {
			return
		}
		e.attempt(ctx, run, txn.ID, e.txns.Reconcile)
	}
}

// attempt runs fn for one candidate and tallies the result.
func (e *Engine) attempt(ctx context.Context, run *Run, id string, fn func(context.Context, string) (*escrow.Outcome, error)) {
	if !e.breaker.Allow(id) {
		e.record(run, resultSkipped, "circuit_open")
		e.logger.Debug("skipping candidate with open circuit", "txnId", id, "runType", run.RunType)
		return
	}

	ctx, span := traces.StartSpan(ctx, "oracle.candidate", traces.TxnID(id), traces.RunType(string(run.RunType)))
	defer span.End()

	out, err := safeCall(ctx, id, fn)
	switch {
	case err == nil && out != nil && out.NoOp:
		e.breaker.Forget(id)
		e.record(run, resultSkipped, "already_terminal")

	case err == nil:
		e.breaker.Forget(id)
		e.record(run, resultSuccess, "settled")

	case errors.Is(err, settlement.ErrTransferUnconfirmed):
		// Status unknown is not failure; the hash is on record.
		e.record(run, resultSkipped, "unconfirmed")
		e.logger.Info("payout unconfirmed, will resume next run", "txnId", id, "runType", run.RunType)

	case errors.Is(err, escrow.ErrNotEligible), errors.Is(err, escrow.ErrPayoutInFlight):
		e.record(run, resultSkipped, "not_eligible")

	default:
		e.breaker.RecordFailure(id)
		e.record(run, resultFailure, "error")
		e.logger.Warn("oracle candidate failed", "txnId", id, "runType", run.RunType, "error", err)
	}
}

func (e *Engine) record(run *Run, r result, reason string) {
	switch r {
	case resultSuccess:
		run.SuccessCount++
	case resultFailure:
		run.FailureCount++
	case resultSkipped:
		run.SkippedCount++
	}
	candidatesTotal.WithLabelValues(string(run.RunType), string(r), reason).Inc()
}

// safeCall turns a panic in one candidate into an error for that
// candidate only.
func safeCall(ctx context.Context, id string, fn func(context.Context, string) (*escrow.Outcome, error)) (out *escrow.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", id, r)
		}
	}()
	return fn(ctx, id)
}
