package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	postingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "ledger",
		Name:      "postings_total",
		Help:      "Postings by reason and outcome (applied, duplicate, rejected).",
	}, []string{"reason", "outcome"})

	postingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "ledger",
		Name:      "posting_duration_seconds",
		Help:      "Time to validate and commit a posting.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"reason"})

	// balanceUnits is refreshed by Totals, so it is as fresh as the last
	// solvency check.
	balanceUnits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "ledger",
		Name:      "balance_units",
		Help:      "Sum of all party balances in smallest units, by bucket.",
	}, []string{"bucket"})
)

func init() {
	prometheus.MustRegister(postingsTotal, postingDuration, balanceUnits)
}

func postingOutcome(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	default:
		return "rejected"
	}
}

// trackPosting starts timing a posting; call the result with the outcome.
func trackPosting(reason string) func(error) {
	if reason == "" {
		reason = "unknown"
	}
	start := time.Now()
	return func(err error) {
		postingDuration.WithLabelValues(reason).Observe(time.Since(start).Seconds())
		postingsTotal.WithLabelValues(reason, postingOutcome(err)).Inc()
	}
}
