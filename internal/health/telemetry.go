package health

import (
	"context"
	"time"

	"github.com/mbd888/escrowd/internal/oracle"
	"github.com/mbd888/escrowd/internal/reconciliation"
	"github.com/mbd888/escrowd/internal/settlement"
	"github.com/mbd888/escrowd/internal/usdc"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultLowThreshold      int64 = 100_000_000 // 100 USDC
	DefaultCriticalThreshold int64 = 10_000_000  // 10 USDC
	DefaultFailureThreshold        = 5
	DefaultPayoutStallAfter        = 30 * time.Minute
	statsWindow                    = 24 * time.Hour
	payoutScanLimit                = 500
)

// WalletReader reads the custody wallet balance. chain.Client satisfies it.
type WalletReader interface {
	BalanceOf(ctx context.Context, addr string) (int64, error)
}

// PendingCounter counts transactions awaiting release or refund.
// escrow.Service satisfies it.
type PendingCounter interface {
	PendingCounts(ctx context.Context) (release, refund int, err error)
}

// SolvencySource exposes the latest solvency check.
type SolvencySource interface {
	Last() *reconciliation.Result
}

// PayoutRecords lists transfer records by status. settlement.RecordStore
// satisfies it.
type PayoutRecords interface {
	ListByStatus(ctx context.Context, status settlement.RecordStatus, limit int) ([]*settlement.TransferRecord, error)
}

// PayoutReport covers outbound transfers not yet final on the network.
type PayoutReport struct {
	InFlight         int        `json:"inFlight"`
	OldestCreatedAt  *time.Time `json:"oldestCreatedAt,omitempty"`
	OldestAgeSeconds int64      `json:"oldestAgeSeconds"`
	Health           Level      `json:"health"`
	Detail           string     `json:"detail,omitempty"`
}

// WalletReport is the custody wallet's health.
type WalletReport struct {
	Address      string `json:"address"`
	Balance      string `json:"balance,omitempty"`
	BalanceUnits int64  `json:"balanceUnits"`
	Health       Level  `json:"health"`
	Detail       string `json:"detail,omitempty"`
}

// RunStats summarizes one run type over the last 24 hours.
type RunStats struct {
	Runs        int        `json:"runs"`
	Success     int        `json:"success"`
	Failure     int        `json:"failure"`
	Skipped     int        `json:"skipped"`
	SuccessRate float64    `json:"successRate"`
	LastRunAt   *time.Time `json:"lastRunAt,omitempty"`
	Health      Level      `json:"health"`
}

// Report is the telemetry status.
type Report struct {
	Overall        Level                        `json:"overall"`
	Wallet         WalletReport                 `json:"wallet"`
	Runs           map[oracle.RunType]*RunStats `json:"runs"`
	PendingRelease int                          `json:"pendingRelease"`
	PendingRefund  int                          `json:"pendingRefund"`
	Payouts        *PayoutReport                `json:"payouts,omitempty"`
	Solvency       *reconciliation.Result       `json:"solvency,omitempty"`
	Warnings       []string                     `json:"warnings,omitempty"`
	CheckedAt      time.Time                    `json:"checkedAt"`
}

// Telemetry builds the status report. It only reads; every source may
// fail independently without failing the report.
type Telemetry struct {
	wallet            WalletReader
	custody           string
	runs              oracle.RunStore
	pending           PendingCounter
	solvency          SolvencySource
	payouts           PayoutRecords
	payoutStall       time.Duration
	lowThreshold      int64
	criticalThreshold int64
	failureThreshold  int
	now               func() time.Time
}

// NewTelemetry creates a telemetry aggregator.
func NewTelemetry(wallet WalletReader, custody string, runs oracle.RunStore, pending PendingCounter) *Telemetry {
	return &Telemetry{
		wallet:            wallet,
		custody:           custody,
		runs:              runs,
		pending:           pending,
		lowThreshold:      DefaultLowThreshold,
		criticalThreshold: DefaultCriticalThreshold,
		failureThreshold:  DefaultFailureThreshold,
		payoutStall:       DefaultPayoutStallAfter,
		now:               time.Now,
	}
}

// WithThresholds sets the wallet thresholds in smallest units. Zero keeps
// the current value.
func (t *Telemetry) WithThresholds(low, critical int64) *Telemetry {
	if low > 0 {
		t.lowThreshold = low
	}
	if critical > 0 {
		t.criticalThreshold = critical
	}
	return t
}

// WithSolvency includes the latest solvency check in the report.
func (t *Telemetry) WithSolvency(s SolvencySource) *Telemetry {
	t.solvency = s
	return t
}

// WithPayouts reports in-flight payouts and degrades once one has been
// unresolved longer than stallAfter. Zero keeps the default bound.
func (t *Telemetry) WithPayouts(records PayoutRecords, stallAfter time.Duration) *Telemetry {
	t.payouts = records
	if stallAfter > 0 {
		t.payoutStall = stallAfter
	}
	return t
}

// WithClock overrides the time source.
func (t *Telemetry) WithClock(now func() time.Time) *Telemetry {
	t.now = now
	return t
}

// Status assembles the report. Overall is the worst of every component.
func (t *Telemetry) Status(ctx context.Context) *Report {
	now := t.now()
	r := &Report{
		Runs:      make(map[oracle.RunType]*RunStats),
		CheckedAt: now,
	}

	r.Wallet = t.walletReport(ctx)
	r.Overall = r.Wallet.Health

	since := now.Add(-statsWindow)
	for _, rt := range oracle.RunTypes() {
		stats := &RunStats{SuccessRate: 100, Health: Healthy}
		runs, err := t.runs.ListSince(ctx, rt, since)
		if err != nil {
			r.Warnings = append(r.Warnings, "run history unavailable for "+string(rt)+": "+err.Error())
		}
		for _, run := range runs {
			stats.Runs++
			stats.Success += run.SuccessCount
			stats.Failure += run.FailureCount
			stats.Skipped += run.SkippedCount
			if stats.LastRunAt == nil || run.CompletedAt.After(*stats.LastRunAt) {
				completed := run.CompletedAt
				stats.LastRunAt = &completed
			}
		}
		if attempted := stats.Success + stats.Failure; attempted > 0 {
			stats.SuccessRate = float64(stats.Success) * 100 / float64(attempted)
		}
		if stats.Failure > t.failureThreshold {
			stats.Health = Degraded
		}
		r.Runs[rt] = stats
		r.Overall = Worst(r.Overall, stats.Health)
	}

	if t.pending != nil {
		release, refund, err := t.pending.PendingCounts(ctx)
		if err != nil {
			r.Warnings = append(r.Warnings, "pending counts unavailable: "+err.Error())
		} else {
			r.PendingRelease, r.PendingRefund = release, refund
		}
	}

	if t.payouts != nil {
		r.Payouts = t.payoutReport(ctx, now)
		r.Overall = Worst(r.Overall, r.Payouts.Health)
	}

	if t.solvency != nil {
		if last := t.solvency.Last(); last != nil {
			r.Solvency = last
			if !last.Solvent {
				r.Overall = Critical
			}
		}
	}

	overallGauge.Set(float64(r.Overall.rank()))
	return r
}

// payoutReport finds the oldest outbound attempt still submitting or
// pending.
func (t *Telemetry) payoutReport(ctx context.Context, now time.Time) *PayoutReport {
	p := &PayoutReport{Health: Healthy}
	for _, status := range []settlement.RecordStatus{settlement.StatusSubmitting, settlement.StatusPending} {
		recs, err := t.payouts.ListByStatus(ctx, status, payoutScanLimit)
		if err != nil {
			p.Health = Degraded
			p.Detail = "payout records unavailable: " + err.Error()
			return p
		}
		for _, rec := range recs {
			if rec.Direction != settlement.Outbound {
				continue
			}
			p.InFlight++
			if p.OldestCreatedAt == nil || rec.CreatedAt.Before(*p.OldestCreatedAt) {
				created := rec.CreatedAt
				p.OldestCreatedAt = &created
			}
		}
	}
	if p.OldestCreatedAt == nil {
		oldestPayoutAge.Set(0)
		return p
	}
	age := now.Sub(*p.OldestCreatedAt)
	p.OldestAgeSeconds = int64(age / time.Second)
	oldestPayoutAge.Set(age.Seconds())
	if age > t.payoutStall {
		p.Health = Degraded
		p.Detail = "payout unresolved for " + age.Truncate(time.Second).String()
	}
	return p
}

func (t *Telemetry) walletReport(ctx context.Context) WalletReport {
	w := WalletReport{Address: t.custody}
	if t.wallet == nil {
		w.Health = Degraded
		w.Detail = "wallet not configured"
		return w
	}
	bal, err := t.wallet.BalanceOf(ctx, t.custody)
	if err != nil {
		w.Health = Degraded
		w.Detail = "balance unavailable: " + err.Error()
		return w
	}
	w.BalanceUnits = bal
	w.Balance = usdc.Format(bal)
	switch {
	case bal < t.criticalThreshold:
		w.Health = Critical
	case bal < t.lowThreshold:
		w.Health = Degraded
	default:
		w.Health = Healthy
	}
	return w
}

var overallGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "escrowd",
	Subsystem: "health",
	Name:      "overall_level",
	Help:      "Overall telemetry level at the last status query (0 healthy, 1 degraded, 2 critical).",
})

var oldestPayoutAge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "escrowd",
	Subsystem: "health",
	Name:      "oldest_inflight_payout_seconds",
	Help:      "Age of the oldest payout still submitting or pending at the last status query.",
})

func init() {
	prometheus.MustRegister(overallGauge, oldestPayoutAge)
}
