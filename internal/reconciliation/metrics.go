package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	custodyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "solvency",
		Name:      "custody_balance_units",
		Help:      "On-chain custody balance at the last check, in smallest units.",
	})

	obligationsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "solvency",
		Name:      "ledger_obligations_units",
		Help:      "Sum of ledger balances at the last check, in smallest units.",
	})

	insolventGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "solvency",
		Name:      "insolvent",
		Help:      "1 if custody held less than ledger obligations at the last check.",
	})

	checkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "solvency",
		Name:      "check_duration_seconds",
		Help:      "Duration of solvency checks in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
	})

	checkErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "solvency",
		Name:      "check_errors_total",
		Help:      "Total solvency check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		custodyGauge,
		obligationsGauge,
		insolventGauge,
		checkDuration,
		checkErrors,
	)
}
