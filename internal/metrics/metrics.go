// Package metrics holds the Prometheus collectors for the bridge and the
// per-backend catalog machinery.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProxyRequestsTotal counts proxied requests by downstream and outcome.
	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_proxy_requests_total",
			Help: "Total number of requests proxied to downstreams",
		},
		[]string{"downstream", "status"},
	)

	// ProxyDuration observes proxied request latency.
	ProxyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_proxy_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"downstream"},
	)

	// ProxyRewrites counts responses that needed the textual URL-rewrite
	// fallback because the downstream ignored the injected base URL.
	ProxyRewrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_proxy_url_rewrites_total",
			Help: "Responses rewritten because the downstream ignored x-base-url",
		},
		[]string{"downstream"},
	)

	// DownstreamHealthy tracks the last probe outcome per downstream.
	DownstreamHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_downstream_healthy",
			Help: "1 if the downstream's last health probe succeeded",
		},
		[]string{"downstream"},
	)

	// InitializerOutcomes counts startup probe outcomes per downstream.
	InitializerOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_initializer_outcomes_total",
			Help: "Initialization outcomes by downstream",
		},
		[]string{"downstream", "outcome"},
	)

	// CatalogRefreshTotal counts name-catalog refreshes by backend and
	// outcome.
	CatalogRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_refresh_total",
			Help: "Name catalog refresh attempts by outcome",
		},
		[]string{"backend", "outcome"},
	)

	// CatalogNames tracks the live snapshot size per backend.
	CatalogNames = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "catalog_names",
			Help: "Number of package names in the live catalog snapshot",
		},
		[]string{"backend"},
	)

	// EnrichmentFetches counts upstream metadata fetches issued by the
	// two-step filter pipeline.
	EnrichmentFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_enrichment_fetches_total",
			Help: "Upstream metadata fetches issued during filtering",
		},
		[]string{"outcome"},
	)
)
