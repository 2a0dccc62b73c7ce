package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry       *prometheus.Registry
	registryOnce   sync.Once
	metricsEnabled = true

	// Store metrics
	StoreQueryDuration  *prometheus.HistogramVec
	StoreQueryErrors    *prometheus.CounterVec
	StoreCursorsOpened  *prometheus.CounterVec
	StoreCacheRefreshes *prometheus.CounterVec

	// Search metrics
	SearchDuration *prometheus.HistogramVec
	SearchResults  *prometheus.HistogramVec
	CorrelatedLegs *prometheus.HistogramVec
	LegCapReached  *prometheus.CounterVec
	SearchErrors   *prometheus.CounterVec

	// Session metrics
	SessionViews       *prometheus.CounterVec
	DecodeFailures     *prometheus.CounterVec
	PcapPacketsWritten prometheus.Counter

	// Media metrics
	MediaLegsReconstructed *prometheus.CounterVec
	MediaInvalidLegs       *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		StoreQueryDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sipsearch_store_query_duration_seconds",
				Help:    "Time spent iterating one partitioned collection cursor",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"prefix"},
		)

		StoreQueryErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipsearch_store_query_errors_total",
				Help: "Store cursor failures by class",
			},
			[]string{"prefix", "class"},
		)

		StoreCursorsOpened = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipsearch_store_cursors_opened_total",
				Help: "Cursors opened against partitioned collections",
			},
			[]string{"prefix"},
		)

		StoreCacheRefreshes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipsearch_store_cache_refreshes_total",
				Help: "Collection-name cache refresh attempts",
			},
			[]string{"outcome"},
		)

		SearchDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sipsearch_search_duration_seconds",
				Help:    "End-to-end correlation search duration",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"method"},
		)

		SearchResults = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sipsearch_search_results",
				Help:    "Correlated sessions returned per search",
				Buckets: prometheus.LinearBuckets(0, 10, 11),
			},
			[]string{"method"},
		)

		CorrelatedLegs = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sipsearch_correlated_legs",
				Help:    "Leg count per correlated session",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
			[]string{"method"},
		)

		LegCapReached = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipsearch_leg_cap_reached_total",
				Help: "Correlation closures stopped by the leg cap",
			},
			[]string{"method"},
		)

		SearchErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipsearch_search_errors_total",
				Help: "Search failures by class",
			},
			[]string{"method", "class"},
		)

		SessionViews = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipsearch_session_views_total",
				Help: "Session view requests by kind",
			},
			[]string{"view"},
		)

		DecodeFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipsearch_decode_failures_total",
				Help: "Protocol payloads kept as unparsed after decode failure",
			},
			[]string{"view"},
		)

		PcapPacketsWritten = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sipsearch_pcap_packets_written_total",
				Help: "Packets serialized into capture downloads",
			},
		)

		MediaLegsReconstructed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipsearch_media_legs_reconstructed_total",
				Help: "Media legs reconstructed by validity",
			},
			[]string{"validity"},
		)

		MediaInvalidLegs = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sipsearch_media_invalid_legs_total",
				Help: "Media legs marked invalid by cause",
			},
			[]string{"cause"},
		)

		registry.MustRegister(
			StoreQueryDuration,
			StoreQueryErrors,
			StoreCursorsOpened,
			StoreCacheRefreshes,
			SearchDuration,
			SearchResults,
			CorrelatedLegs,
			LegCapReached,
			SearchErrors,
			SessionViews,
			DecodeFailures,
			PcapPacketsWritten,
			MediaLegsReconstructed,
			MediaInvalidLegs,
		)

		logger.Debug("Metrics registry initialized")
	})
}

// Enabled reports whether metric collection is active.
func Enabled() bool {
	return metricsEnabled && registry != nil
}

// SetEnabled toggles metric collection.
func SetEnabled(enabled bool) {
	metricsEnabled = enabled
}

// RegisterHandler mounts the /metrics endpoint on the given mux.
func RegisterHandler(mux *http.ServeMux) {
	if registry == nil {
		return
	}
	handler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{},
	)
	mux.Handle("/metrics", handler)
}
