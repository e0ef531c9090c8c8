// Package metrics exposes the Prometheus registry used by the FHIR sink.
// All metrics are defined in their respective packages (auth, cache, client,
// sink) to maintain modularity and avoid circular dependencies.
//
// This package provides the scrape handler and a reference for all metrics.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry is the default Prometheus registry used by the FHIR sink.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the HTTP handler serving all registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// CounterSum returns the sum of all series of the named counter whose labels
// include every name/value pair in match. A family that has not been
// registered yet sums to zero.
func CounterSum(name string, match map[string]string) (float64, error) {
	families, err := Gatherer.Gather()
	if err != nil {
		return 0, fmt.Errorf("gather metrics: %w", err)
	}

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		if family.GetType() != dto.MetricType_COUNTER {
			return 0, fmt.Errorf("metric %s is %s, not a counter", name, family.GetType())
		}

		var sum float64
		for _, m := range family.GetMetric() {
			if labelsMatch(m.GetLabel(), match) {
				sum += m.GetCounter().GetValue()
			}
		}
		return sum, nil
	}
	return 0, nil
}

func labelsMatch(labels []*dto.LabelPair, match map[string]string) bool {
	for name, value := range match {
		found := false
		for _, pair := range labels {
			if pair.GetName() == name && pair.GetValue() == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Metrics Documentation
//
// Token Metrics (pkg/auth):
//   - fhir_sink_token_fetches_total{result} (Counter): Token endpoint calls by result (success, rejected, malformed, network_error, error)
//   - fhir_sink_token_fetch_duration_seconds (Histogram): Token endpoint latency
//   - fhir_sink_token_cache_hits_total{layer} (Counter): Token served without a fetch (memory, shared)
//   - fhir_sink_token_invalidations_total (Counter): Tokens dropped after 401/403
//
// Shared Token Store Metrics (pkg/cache):
//   - fhir_sink_shared_token_hits_total (Counter): Redis lookups returning a usable entry
//   - fhir_sink_shared_token_misses_total (Counter): Redis lookups without an entry
//   - fhir_sink_shared_token_errors_total{operation} (Counter): Redis operation errors
//
// Request Metrics (pkg/client):
//   - fhir_sink_requests_total{operation, status} (Counter): FHIR requests by operation and HTTP status
//   - fhir_sink_request_duration_seconds{operation} (Histogram): FHIR request duration
//   - fhir_sink_errors_total{class} (Counter): Failed attempts by class (validation, auth, transient)
//
// Retry Metrics (pkg/client):
//   - fhir_sink_retries_total{error_class} (Counter): Retry attempts by error class
//   - fhir_sink_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - fhir_sink_retry_exhausted_total{error_class} (Counter): Submissions that exhausted their retries
//
// Batch Metrics (pkg/sink):
//   - fhir_sink_records_total{result} (Counter): Records by result (succeeded, skipped, failed)
//   - fhir_sink_batch_duration_seconds (Histogram): Duration of one batch
//
// Example Prometheus Queries:
//
//   # Delivery Failure Rate
//   rate(fhir_sink_records_total{result="failed"}[5m]) /
//   rate(fhir_sink_records_total[5m])
//
//   # Token Refreshes Per Hour
//   increase(fhir_sink_token_fetches_total{result="success"}[1h])
//
//   # Auth Retries (expired or revoked tokens)
//   rate(fhir_sink_retries_total{error_class="auth"}[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(fhir_sink_request_duration_seconds_bucket[5m]))
