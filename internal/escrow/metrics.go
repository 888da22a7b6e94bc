package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_transitions_total",
			Help:      "Escrow transaction transitions by name.",
		},
		[]string{"transition"},
	)

	noOpsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_terminal_noops_total",
			Help:      "Settlement or reconcile requests on transactions that were already terminal.",
		},
	)

	driftRepairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_drift_repairs_total",
			Help:      "Transactions finalized by reconciliation after their payout had settled.",
		},
	)

	reconcileMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_reconcile_mismatches_total",
			Help:      "Terminal transactions whose recorded outcome could not be verified.",
		},
	)
)

func init() {
	prometheus.MustRegister(transitionsTotal, noOpsTotal, driftRepairsTotal, reconcileMismatches)
}
