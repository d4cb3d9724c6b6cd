package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus collectors. Each instance owns its
// registry so several routers can coexist in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Proxy metrics
	UpstreamErrors     *prometheus.CounterVec
	StreamAborts       prometheus.Counter
	StreamedBytes      prometheus.Counter
	ManifestsRewritten prometheus.Counter
	ManifestShared     prometheus.Counter
	PagesInjected      prometheus.Counter
	RateLimited        prometheus.Counter
}

// NewMetrics creates a metrics collector with a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageproxy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pageproxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds, including streamed bodies",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "route"},
		),

		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageproxy_upstream_errors_total",
				Help: "Upstream transport failures by component",
			},
			[]string{"component"},
		),
		StreamAborts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pageproxy_asset_stream_aborts_total",
				Help: "Asset responses cut off by an upstream failure after headers were sent",
			},
		),
		StreamedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pageproxy_asset_streamed_bytes_total",
				Help: "Asset body bytes written to clients",
			},
		),
		ManifestsRewritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pageproxy_manifests_rewritten_total",
				Help: "Playlists rewritten to route through the asset endpoint",
			},
		),
		ManifestShared: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pageproxy_manifest_fetches_shared_total",
				Help: "Playlist requests served from a concurrent identical fetch",
			},
		),
		PagesInjected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pageproxy_pages_injected_total",
				Help: "HTML pages served with the runtime injected",
			},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pageproxy_rate_limited_total",
				Help: "Requests rejected by the per-client rate limiter",
			},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) upstreamError(component string) {
	m.UpstreamErrors.WithLabelValues(component).Inc()
}
