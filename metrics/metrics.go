// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	FetchAttemptsTotal   *prometheus.CounterVec
	RepoCyclesTotal      *prometheus.CounterVec
	RecordsUpsertedTotal *prometheus.CounterVec
	LastSuccessTimestamp *prometheus.GaugeVec
	CycleDurationSeconds prometheus.Histogram

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on registry
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		FetchAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clonestats_fetch_attempts_total",
				Help: "Traffic API attempts by repository and outcome",
			},
			[]string{"repo", "outcome"},
		),
		RepoCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clonestats_repo_cycles_total",
				Help: "Per-repository ingestion results by final phase",
			},
			[]string{"repo", "result"},
		),
		RecordsUpsertedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clonestats_records_upserted_total",
				Help: "Daily records committed to storage",
			},
			[]string{"repo"},
		),
		LastSuccessTimestamp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clonestats_last_success_timestamp_seconds",
				Help: "Unix time of the last successful ingestion per repository",
			},
			[]string{"repo"},
		),
		CycleDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clonestats_cycle_duration_seconds",
				Help:    "Wall time of a full ingestion cycle",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clonestats_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clonestats_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		m.FetchAttemptsTotal,
		m.RepoCyclesTotal,
		m.RecordsUpsertedTotal,
		m.LastSuccessTimestamp,
		m.CycleDurationSeconds,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
