package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreHits tracks shared token lookups that returned a usable entry
	StoreHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fhir_sink_shared_token_hits_total",
			Help: "Total number of shared token store hits",
		},
	)

	// StoreMisses tracks shared token lookups that found nothing usable
	StoreMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fhir_sink_shared_token_misses_total",
			Help: "Total number of shared token store misses",
		},
	)

	// StoreErrors tracks store operation errors
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhir_sink_shared_token_errors_total",
			Help: "Total number of shared token store operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
