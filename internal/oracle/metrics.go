package oracle

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "oracle",
			Name:      "runs_total",
			Help:      "Completed oracle runs by type.",
		},
		[]string{"run_type"},
	)

	runsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "oracle",
			Name:      "runs_skipped_total",
			Help:      "Runs not started because one of the same type was in flight.",
		},
		[]string{"run_type"},
	)

	candidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Subsystem: "oracle",
			Name:      "candidates_total",
			Help:      "Candidates processed by run type, result and reason.",
		},
		[]string{"run_type", "result", "reason"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Subsystem: "oracle",
			Name:      "run_duration_seconds",
			Help:      "Oracle run duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"run_type"},
	)

	lastRunTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Subsystem: "oracle",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of each type completed.",
		},
		[]string{"run_type"},
	)
)

func init() {
	prometheus.MustRegister(runsTotal, runsSkipped, candidatesTotal, runDuration, lastRunTimestamp)
}
