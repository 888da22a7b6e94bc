// Package metrics holds process-wide Prometheus instrumentation for escrowd.
// Domain packages register their own collectors under the same namespace.
package metrics

import (
	"database/sql"
	"errors"
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every escrowd metric.
const Namespace = "escrowd"

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route pattern and status class.",
	}, []string{"method", "route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route pattern.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "route"})

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Requests currently being served.",
	})

	// ActiveWebSocketClients tracks connected event stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "background_worker_running",
		Help:      "1 while the named background worker is running.",
	}, []string{"worker"})

	workerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "background_worker_failures_total",
		Help:      "Background workers that exited with an error.",
	}, []string{"worker"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "build_info",
		Help:      "Always 1; labels carry the running build.",
	}, []string{"version", "env"})
)

func init() {
	prometheus.MustRegister(
		httpRequests,
		httpDuration,
		httpInFlight,
		ActiveWebSocketClients,
		workers,
		workerFailures,
		buildInfo,
	)
}

// SetBuildInfo publishes the running version.
func SetBuildInfo(version, env string) {
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, env).Set(1)
}

// RegisterDB exports connection pool stats for db. Registering a second pool
// is a no-op.
func RegisterDB(db *sql.DB) error {
	if db == nil {
		return nil
	}
	err := prometheus.Register(collectors.NewDBStatsCollector(db, Namespace))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// SetWorker records whether a background worker is running.
func SetWorker(name string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	workers.WithLabelValues(name).Set(v)
}

// RunWorker runs fn with the worker gauge raised, counting and logging an
// error return. Call in a goroutine.
func RunWorker(name string, logger *slog.Logger, fn func() error) {
	SetWorker(name, true)
	defer SetWorker(name, false)
	if err := fn(); err != nil {
		workerFailures.WithLabelValues(name).Inc()
		logger.Error("background worker exited", "worker", name, "error", err)
	}
}

// Middleware records request count, latency and concurrency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath() // route pattern keeps cardinality bounded
		if route == "" {
			route = "unmatched"
		}
		httpInFlight.Inc()
		timer := prometheus.NewTimer(httpDuration.WithLabelValues(c.Request.Method, route))
		defer func() {
			timer.ObserveDuration()
			httpInFlight.Dec()
			httpRequests.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
		}()

		c.Next()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
