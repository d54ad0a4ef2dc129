// Package metrics holds the Prometheus collectors shared by the API server,
// the refresh engine and the peer client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	// Refresh metrics
	RefreshRuns     prometheus.Counter
	RefreshLatency  prometheus.Histogram
	RefreshedFiles  prometheus.Counter
	RepoFailures    prometheus.Counter
	RefreshInFlight prometheus.Gauge

	// Media metrics
	MediaOperations *prometheus.CounterVec
	UploadBytes     prometheus.Counter

	// Peer metrics
	PeerFetches   *prometheus.CounterVec
	RetryAttempts prometheus.Counter
}

// New registers all collectors on registry. A nil registry gets a fresh
// private one, so independent instances never collide.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowbird_http_requests_total",
			Help: "HTTP requests served, by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snowbird_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		RefreshRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "snowbird_refresh_runs_total",
			Help: "Completed group refreshes",
		}),
		RefreshLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "snowbird_refresh_duration_seconds",
			Help:    "Group refresh duration",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		}),
		RefreshedFiles: factory.NewCounter(prometheus.CounterOpts{
			Name: "snowbird_refreshed_files_total",
			Help: "Files fetched from peers during refresh",
		}),
		RepoFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "snowbird_refresh_repo_failures_total",
			Help: "Repos that reported an error during refresh",
		}),
		RefreshInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snowbird_refresh_in_flight",
			Help: "Refreshes currently running",
		}),

		MediaOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowbird_media_operations_total",
			Help: "Media gateway operations, by operation and result",
		}, []string{"operation", "result"}),
		UploadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "snowbird_upload_bytes_total",
			Help: "Bytes accepted through uploads",
		}),

		PeerFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowbird_peer_fetches_total",
			Help: "Peer fetches, by object kind and result",
		}, []string{"kind", "result"}),
		RetryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "snowbird_peer_retry_attempts_total",
			Help: "Retried peer calls",
		}),
	}
}

// WithRuntimeCollectors adds the Go runtime and process collectors.
func (m *Metrics) WithRuntimeCollectors() *Metrics {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Result turns an error into the "success"/"failure" label value.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
