// Package metrics defines the Prometheus collectors for scans, forward
// passes and caches, registered on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	ScanDuration       *prometheus.HistogramVec
	ScansTotal         *prometheus.CounterVec
	ForwardPassesTotal prometheus.Counter
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	CacheEvictions     prometheus.Counter
	SAELoadsTotal      *prometheus.CounterVec
	PerturbationsTotal *prometheus.CounterVec
	StreamConnections  prometheus.Gauge

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nmri_scan_duration_seconds",
				Help:    "Scan latency in seconds by scan mode.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"mode"},
		),
		ScansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nmri_scans_total",
				Help: "Total scans by mode and outcome (ok, error, cached).",
			},
			[]string{"mode", "outcome"},
		),
		ForwardPassesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nmri_forward_passes_total",
				Help: "Total forward passes run against the loaded model.",
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nmri_scan_cache_hits_total",
				Help: "Total scan cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nmri_scan_cache_misses_total",
				Help: "Total scan cache misses.",
			},
		),
		CacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "nmri_scan_cache_evictions_total",
				Help: "Total least-recently-used evictions from the scan cache.",
			},
		),
		SAELoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nmri_sae_loads_total",
				Help: "Sparse-feature decoder loads by model.",
			},
			[]string{"model"},
		),
		PerturbationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nmri_perturbations_total",
				Help: "Interventions by type (zero_out, amplify, ablate, patch, trace).",
			},
			[]string{"type"},
		),
		StreamConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nmri_stream_connections",
				Help: "Open streaming connections.",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nmri_http_requests_total",
				Help: "Total HTTP requests by method, route and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nmri_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nmri_http_requests_in_flight",
				Help: "HTTP requests currently being served.",
			},
		),
	}

	m.Registry.MustRegister(
		m.ScanDuration,
		m.ScansTotal,
		m.ForwardPassesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictions,
		m.SAELoadsTotal,
		m.PerturbationsTotal,
		m.StreamConnections,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
	)
	return m
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
