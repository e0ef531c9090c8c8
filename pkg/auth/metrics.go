package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for token cache operations.
var (
	tokenFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_sink_token_fetches_total",
		Help: "Total token endpoint round-trips by result",
	}, []string{"result"})

	tokenFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fhir_sink_token_fetch_duration_seconds",
		Help:    "Token endpoint round-trip duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	tokenCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_sink_token_cache_hits_total",
		Help: "Total token requests served without a round-trip, by layer",
	}, []string{"layer"})

	tokenInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fhir_sink_token_invalidations_total",
		Help: "Total number of explicit token invalidations",
	})
)
