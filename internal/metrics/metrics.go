// Package metrics exposes Prometheus collectors for the harvester.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	harvesterItemsTotal           *prometheus.CounterVec
	harvesterFailuresTotal        *prometheus.CounterVec
	harvesterQuarantinesTotal     *prometheus.CounterVec
	harvesterSessionsTotal        *prometheus.CounterVec
	harvesterActiveSessions       prometheus.Gauge
	harvesterFrontierDepth        prometheus.Gauge
	harvesterFetchDurationSeconds prometheus.Histogram
	harvesterExportsTotal         *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvesterItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_total",
				Help: "Total number of items finished, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		harvesterFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_failures_total",
				Help: "Total number of classified failures, labeled by category.",
			},
			[]string{"category"},
		)

		harvesterQuarantinesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_quarantines_total",
				Help: "Total number of assets written to the quarantine ledger, labeled by kind.",
			},
			[]string{"kind"},
		)

		harvesterSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_sessions_released_total",
				Help: "Total number of sessions released, labeled by cause.",
			},
			[]string{"cause"},
		)

		harvesterActiveSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_sessions",
				Help: "Number of sessions currently authenticated.",
			},
		)

		harvesterFrontierDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_frontier_depth",
				Help: "Number of items pending in the frontier.",
			},
		)

		harvesterFetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of item fetch latencies.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
			},
		)

		harvesterExportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_exports_total",
				Help: "Total number of record batches exported, labeled by sink and status.",
			},
			[]string{"sink", "status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem counts a finished item ("stored", "incomplete", "skipped", "duplicate").
func ObserveItem(outcome string) {
	Init()
	harvesterItemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFailure counts a classified failure.
func ObserveFailure(category string) {
	Init()
	harvesterFailuresTotal.WithLabelValues(category).Inc()
}

// ObserveQuarantine counts a ledger write.
func ObserveQuarantine(kind string) {
	Init()
	harvesterQuarantinesTotal.WithLabelValues(kind).Inc()
}

// ObserveSessionStarted increments the active sessions gauge.
func ObserveSessionStarted() {
	Init()
	harvesterActiveSessions.Inc()
}

// ObserveSessionReleased decrements the active sessions gauge and counts the cause.
func ObserveSessionReleased(cause string) {
	Init()
	harvesterActiveSessions.Dec()
	harvesterSessionsTotal.WithLabelValues(cause).Inc()
}

// SetFrontierDepth records the number of pending items.
func SetFrontierDepth(n int) {
	Init()
	harvesterFrontierDepth.Set(float64(n))
}

// ObserveFetch records the duration of one fetch attempt.
func ObserveFetch(duration time.Duration) {
	Init()
	harvesterFetchDurationSeconds.Observe(duration.Seconds())
}

// ObserveExport counts an export batch for a sink.
func ObserveExport(sink string, ok bool) {
	Init()
	status := "ok"
	if !ok {
		status = "error"
	}
	harvesterExportsTotal.WithLabelValues(sink, status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
