// Package metrics defines the Prometheus metric collectors used across the
// write path and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the index writer.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	WritesTotal          *prometheus.CounterVec
	TasksDispatched      prometheus.Counter
	TokenOpsTotal        *prometheus.CounterVec
	ConcurrencyConflicts prometheus.Counter
	PublishLatency       prometheus.Histogram
	BlobOpsTotal         *prometheus.CounterVec
	PartitionSize        *prometheus.GaugeVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all collectors and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_writes_total",
				Help: "Write requests handled by the write master, by result (ok, locked, invalid, error).",
			},
			[]string{"result"},
		),
		TasksDispatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_write_tasks_dispatched_total",
				Help: "Write tasks dispatched to the task queue.",
			},
		),
		TokenOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_token_ops_total",
				Help: "Token operations executed by write workers, by result (created, merged, conflict, error).",
			},
			[]string{"result"},
		),
		ConcurrencyConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_catalog_conflicts_total",
				Help: "Catalog compare-and-swap attempts that lost to a concurrent writer.",
			},
		),
		PublishLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_partition_publish_seconds",
				Help:    "Latency of one read-merge-publish cycle.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
		BlobOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_blob_ops_total",
				Help: "Blob store operations by op (get, put, delete) and status.",
			},
			[]string{"op", "status"},
		),
		PartitionSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "index_partition_size_tokens",
				Help: "Distinct tokens in a partition after its latest publish.",
			},
			[]string{"partition_id"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.WritesTotal,
		m.TasksDispatched,
		m.TokenOpsTotal,
		m.ConcurrencyConflicts,
		m.PublishLatency,
		m.BlobOpsTotal,
		m.PartitionSize,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
