package client

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	fhirRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_sink_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	fhirRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_sink_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"error_class"})

	fhirRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_sink_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// Attempts is the number of retries after the first attempt.
	Attempts int

	// BaseBackoff is the backoff unit; the wait after attempt n is n*BaseBackoff.
	BaseBackoff time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:    3,
		BaseBackoff: 1 * time.Second,
	}
}

// MaxAttempts returns the total number of attempts including the first one.
func (c RetryConfig) MaxAttempts() int {
	if c.Attempts < 0 {
		return 1
	}
	return c.Attempts + 1
}

// Backoff returns the wait after the given (1-based) attempt.
// Backoff grows linearly: 1x, 2x, 3x BaseBackoff.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	return c.BaseBackoff * time.Duration(attempt)
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryLinear calls fn until it succeeds, returns a non-retryable error, or
// the attempt budget is spent. It returns the number of attempts made.
func retryLinear(ctx context.Context, cfg RetryConfig, sleep sleepFunc, logger zerolog.Logger, fn func(attempt int) error) (int, error) {
	maxAttempts := cfg.MaxAttempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Submission succeeded after retry")
			}
			return attempt, nil
		}

		lastErr = err
		errorClass := classOf(err)

		if !shouldRetry(errorClass) {
			return attempt, err
		}

		// The caller is shutting down; do not start another attempt.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, fmt.Errorf("%w (%w): %w", ErrContextCancelled, ctxErr, lastErr)
		}

		if attempt >= maxAttempts {
			break
		}

		fhirRetriesTotal.WithLabelValues(string(errorClass)).Inc()

		backoff := cfg.Backoff(attempt)
		fhirRetryBackoffSeconds.WithLabelValues(string(errorClass)).Observe(backoff.Seconds())

		logger.Warn().
			Str("error_class", string(errorClass)).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("backoff", backoff).
			Msg("Retrying submission after backoff")

		if err := sleep(ctx, backoff); err != nil {
			logger.Warn().
				Str("error_class", string(errorClass)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return attempt, fmt.Errorf("%w during retry backoff (%w): %w", ErrContextCancelled, err, lastErr)
		}
	}

	errorClass := classOf(lastErr)
	fhirRetryExhaustedTotal.WithLabelValues(string(errorClass)).Inc()
	logger.Warn().
		Str("error_class", string(errorClass)).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")

	return maxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, maxAttempts, lastErr)
}
