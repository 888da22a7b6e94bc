package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	verificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "settlement",
		Name:      "verifications_total",
		Help:      "Inbound transfer verifications by purpose and result.",
	}, []string{"purpose", "result"})

	payoutsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "settlement",
		Name:      "payouts_total",
		Help:      "Outbound payout events by purpose and result.",
	}, []string{"purpose", "result"})

	confirmWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "settlement",
		Name:      "confirmation_wait_seconds",
		Help:      "Time spent waiting for outbound transfer confirmation.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(verificationsTotal, payoutsTotal, confirmWait)
}
