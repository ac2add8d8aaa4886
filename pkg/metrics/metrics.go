// Package metrics defines the Prometheus metric collectors used across the
// relay and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	QueueDepth           *prometheus.GaugeVec
	MessagesIngested     prometheus.Counter
	MessagesProcessed    *prometheus.CounterVec
	MessagesFailed       *prometheus.CounterVec
	CompletionLatency    *prometheus.HistogramVec
	CompletionErrors     *prometheus.CounterVec
	CompaniesSaved       prometheus.Counter
	LinksSaved           prometheus.Counter
	StoreFaults          prometheus.Counter
	LinksDispatched      *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg means
// the process-wide default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
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
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_queue_depth",
				Help: "Items waiting in each pipeline channel.",
			},
			[]string{"queue"},
		),
		MessagesIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_messages_ingested_total",
				Help: "Messages accepted into the input channel.",
			},
		),
		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_processed_total",
				Help: "Messages a stage finished handling, by stage.",
			},
			[]string{"stage"},
		),
		MessagesFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_failed_total",
				Help: "Messages dropped by a stage, by stage and reason.",
			},
			[]string{"stage", "reason"},
		),
		CompletionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_completion_latency_seconds",
				Help:    "Completion call latency in seconds.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
			},
			[]string{"provider", "kind"},
		),
		CompletionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_completion_errors_total",
				Help: "Failed completion calls by provider.",
			},
			[]string{"provider"},
		),
		CompaniesSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_companies_saved_total",
				Help: "Company records written to the store.",
			},
		),
		LinksSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_links_saved_total",
				Help: "Link records written to the store.",
			},
		),
		StoreFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_store_faults_total",
				Help: "Save calls aborted by a storage fault.",
			},
		),
		LinksDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_links_dispatched_total",
				Help: "Pending links handed to the task topic, by outcome.",
			},
			[]string{"outcome"},
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
		m.QueueDepth,
		m.MessagesIngested,
		m.MessagesProcessed,
		m.MessagesFailed,
		m.CompletionLatency,
		m.CompletionErrors,
		m.CompaniesSaved,
		m.LinksSaved,
		m.StoreFaults,
		m.LinksDispatched,
		m.CircuitBreakerState,
	)

	return m
}

// NewNop returns collectors registered with a throwaway registry. Tests and
// optional components use it so they never touch the global registerer.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
