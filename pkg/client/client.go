// Package client provides the FHIR submitter: it delivers one resource to a
// FHIR server with bearer authentication, failure classification and a
// bounded linear-backoff retry loop.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/fhir-secure-sink/pkg/logging"
	"github.com/Sternrassler/fhir-secure-sink/pkg/resource"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for FHIR submissions.
var (
	fhirRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_sink_requests_total",
		Help: "Total FHIR requests by operation and status",
	}, []string{"operation", "status"})

	fhirRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fhir_sink_request_duration_seconds",
		Help:    "FHIR request duration in seconds by operation",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"operation"})

	fhirErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fhir_sink_errors_total",
		Help: "Total FHIR submission errors by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of submission failures.
type ErrorClass string

const (
	// ErrorClassValidation represents payloads that will never be accepted
	// unmodified: local parse/validation failures and server-side rejections.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassAuth represents 401/403 responses, invalid_token signals and
	// token acquisition failures.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassTransient represents network/timeout errors, 408, 429 and 5xx.
	ErrorClassTransient ErrorClass = "transient"
)

// Operation is the FHIR interaction used for a resource.
type Operation string

const (
	// OperationCreate posts a resource without id to [base]/[type].
	OperationCreate Operation = "create"

	// OperationUpdate puts a resource with id to [base]/[type]/[id].
	OperationUpdate Operation = "update"
)

const (
	fhirContentType = "application/fhir+json"

	// maxResponseBodyBytes caps how much of an error response is read.
	maxResponseBodyBytes = 64 << 10
)

// TokenSource supplies bearer tokens. *auth.TokenCache implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Submitter delivers resources to a FHIR server.
type Submitter struct {
	httpClient *http.Client
	tokens     TokenSource
	baseURL    string
	config     Config
	sleep      sleepFunc
	logger     zerolog.Logger
}

// Config holds the submitter configuration.
type Config struct {
	// BaseURL is the FHIR service base URL (REQUIRED, https only).
	BaseURL string

	// Tokens supplies bearer tokens (REQUIRED).
	Tokens TokenSource

	// HTTPClient is used for FHIR requests. Defaults to a client without an
	// overall timeout; RequestTimeout bounds each attempt instead.
	HTTPClient *http.Client

	// RequestTimeout bounds a single attempt, token acquisition included.
	RequestTimeout time.Duration

	Retry RetryConfig

	// ValidationEnabled turns on structural validation before sending.
	ValidationEnabled bool

	// ExpectedResourceType logs a warning for resources of another type.
	ExpectedResourceType string

	// UserAgent header sent with every request.
	UserAgent string
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL string, tokens TokenSource) Config {
	return Config{
		BaseURL:           baseURL,
		Tokens:            tokens,
		RequestTimeout:    30 * time.Second,
		Retry:             DefaultRetryConfig(),
		ValidationEnabled: true,
		UserAgent:         "fhir-secure-sink/1.0.0",
	}
}

// Outcome is the result of submitting one record.
type Outcome struct {
	// RecordID is the resource reference, "Type/id" or "Type".
	RecordID     string
	ResourceType string
	Operation    Operation
	// SubmissionID is sent as X-Request-ID on every attempt.
	SubmissionID string
	Success      bool
	Attempts     int
	Err          error
}

// New creates a new submitter. Non-HTTPS base URLs are rejected here rather
// than at the first submission.
func New(cfg Config) (*Submitter, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}

	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid fhir server url %q", cfg.BaseURL)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return nil, fmt.Errorf("%w (got %q)", ErrInsecureEndpoint, cfg.BaseURL)
	}

	if cfg.Retry.Attempts < 0 {
		return nil, fmt.Errorf("retry attempts must be >= 0 (got %d)", cfg.Retry.Attempts)
	}
	if cfg.Retry.BaseBackoff < 0 {
		return nil, fmt.Errorf("retry backoff must be >= 0 (got %v)", cfg.Retry.BaseBackoff)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	logger := logging.NewLogger("fhir-submitter")
	logger.Info().
		Str("endpoint", cfg.BaseURL).
		Int("max_attempts", cfg.Retry.MaxAttempts()).
		Bool("validation", cfg.ValidationEnabled).
		Msg("FHIR submitter initialized")

	return &Submitter{
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		config:     cfg,
		sleep:      sleepContext,
		logger:     logger,
	}, nil
}

// Submit parses, optionally validates and delivers one resource.
//
// Local parse/validation failures return a validation-class *SubmitError
// without any network call. Server-side rejections return a validation-class
// *SubmitError without retry. Everything else is retried with linear backoff
// and, once the budget is spent or ctx is cancelled, returned as a
// *TerminalError. The Outcome is populated in every case.
func (s *Submitter) Submit(ctx context.Context, payload []byte) (Outcome, error) {
	outcome := Outcome{SubmissionID: uuid.NewString()}

	res, err := s.prepare(payload)
	if err != nil {
		fhirErrorsTotal.WithLabelValues(string(ErrorClassValidation)).Inc()
		s.logger.Error().
			Err(err).
			Str("submission_id", outcome.SubmissionID).
			Str("payload", logging.Truncate(string(payload), logging.MaxPayloadLogLength)).
			Msg("Rejected invalid FHIR resource")
		outcome.Err = &SubmitError{
			ErrorClass: ErrorClassValidation,
			Message:    "invalid resource",
			Err:        err,
		}
		return outcome, outcome.Err
	}

	outcome.RecordID = res.Reference()
	outcome.ResourceType = res.Type
	outcome.Operation = OperationCreate
	if res.IsUpdate() {
		outcome.Operation = OperationUpdate
	}

	logger := s.logger.With().
		Str("submission_id", outcome.SubmissionID).
		Str("resource_type", res.Type).
		Str("resource_id", res.ID).
		Str("operation", string(outcome.Operation)).
		Logger()

	logger.Debug().Msg("Sending FHIR resource")

	attempts, err := retryLinear(ctx, s.config.Retry, s.sleep, logger, func(attempt int) error {
		return s.send(ctx, res, outcome, attempt, logger)
	})
	outcome.Attempts = attempts

	if err == nil {
		outcome.Success = true
		logger.Debug().Int("attempts", attempts).Msg("FHIR resource delivered")
		return outcome, nil
	}

	if classOf(err) == ErrorClassValidation && !errors.Is(err, ErrRetryExhausted) {
		outcome.Err = err
		return outcome, err
	}

	logger.Error().
		Err(err).
		Int("attempts", attempts).
		Str("payload", logging.Truncate(string(res.Body), logging.MaxPayloadLogLength)).
		Msg("Failed to deliver FHIR resource")

	outcome.Err = &TerminalError{
		RecordID: outcome.RecordID,
		Attempts: attempts,
		Err:      err,
	}
	return outcome, outcome.Err
}

// prepare parses the payload and applies local validation.
func (s *Submitter) prepare(payload []byte) (*resource.Resource, error) {
	res, err := resource.Parse(payload)
	if err != nil {
		return nil, err
	}

	if s.config.ValidationEnabled {
		if err := resource.Validate(res); err != nil {
			return nil, err
		}
	}

	if expected := s.config.ExpectedResourceType; expected != "" && expected != res.Type {
		s.logger.Warn().
			Str("expected", expected).
			Str("actual", res.Type).
			Msg("Resource type mismatch")
	}

	return res, nil
}

// send performs one attempt.
func (s *Submitter) send(ctx context.Context, res *resource.Resource, outcome Outcome, attempt int, logger zerolog.Logger) error {
	attemptCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	token, err := s.tokens.Token(attemptCtx)
	if err != nil {
		fhirErrorsTotal.WithLabelValues(string(ErrorClassAuth)).Inc()
		logger.Error().Err(err).Int("attempt", attempt).Msg("Failed to obtain access token")
		return &SubmitError{
			ErrorClass: ErrorClassAuth,
			Message:    "acquire access token",
			Err:        err,
		}
	}

	req, err := s.newRequest(attemptCtx, res, outcome)
	if err != nil {
		return &SubmitError{ErrorClass: ErrorClassValidation, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	operation := string(outcome.Operation)
	start := time.Now()
	resp, err := s.httpClient.Do(req)
	fhirRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		errClass := s.classifyError(nil, nil, err)
		fhirErrorsTotal.WithLabelValues(string(errClass)).Inc()
		fhirRequestsTotal.WithLabelValues(operation, "network_error").Inc()
		logger.Error().
			Err(err).
			Int("attempt", attempt).
			Str("error_class", string(errClass)).
			Msg("FHIR request failed")
		return &SubmitError{ErrorClass: errClass, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	fhirRequestsTotal.WithLabelValues(operation, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	errClass := s.classifyError(resp, body, nil)
	fhirErrorsTotal.WithLabelValues(string(errClass)).Inc()
	truncated := logging.Truncate(string(body), logging.MaxBodyLogLength)

	logger.Error().
		Int("attempt", attempt).
		Int("status", resp.StatusCode).
		Str("error_class", string(errClass)).
		Str("body", truncated).
		Msg("FHIR request error")

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		logger.Error().Msg("FHIR server rejected the resource during server-side validation (422)")
		logger.Debug().
			Str("payload", logging.Truncate(string(res.Body), logging.MaxBodyLogLength)).
			Msg("Problematic resource")
	case errClass == ErrorClassAuth:
		logger.Warn().
			Int("status", resp.StatusCode).
			Msg("Authentication error detected, invalidating access token")
		s.tokens.Invalidate()
	}

	return &SubmitError{
		StatusCode: resp.StatusCode,
		ErrorClass: errClass,
		Message:    resp.Status,
		Body:       truncated,
	}
}

// newRequest builds the create or update request for res.
func (s *Submitter) newRequest(ctx context.Context, res *resource.Resource, outcome Outcome) (*http.Request, error) {
	method := http.MethodPost
	target := s.baseURL + "/" + url.PathEscape(res.Type)
	if outcome.Operation == OperationUpdate {
		method = http.MethodPut
		target += "/" + url.PathEscape(res.ID)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(res.Body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", fhirContentType)
	req.Header.Set("Accept", fhirContentType)
	req.Header.Set("X-Request-ID", outcome.SubmissionID)
	if s.config.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.UserAgent)
	}

	return req, nil
}

// classifyError categorizes a failed attempt for retry handling.
func (s *Submitter) classifyError(resp *http.Response, body []byte, err error) ErrorClass {
	if err != nil {
		// Timeouts, resets and refused connections.
		s.logger.Debug().Str("class", string(ErrorClassTransient)).Msg("Error classified")
		return ErrorClassTransient
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrorClassAuth
	case hasInvalidTokenSignal(resp.Header, body):
		return ErrorClassAuth
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return ErrorClassTransient
	case resp.StatusCode >= 400:
		return ErrorClassValidation
	default:
		// Unexpected 1xx/3xx: the request may simply be repeated.
		return ErrorClassTransient
	}
}

// hasInvalidTokenSignal reports whether the server flagged the bearer token
// as invalid without using 401/403.
func hasInvalidTokenSignal(header http.Header, body []byte) bool {
	if strings.Contains(header.Get("WWW-Authenticate"), "invalid_token") {
		return true
	}
	return bytes.Contains(body, []byte("invalid_token"))
}

// Close closes the submitter and releases idle connections.
func (s *Submitter) Close() error {
	s.httpClient.CloseIdleConnections()
	s.logger.Info().Msg("FHIR submitter closed")
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (s *Submitter) SetHTTPClient(client *http.Client) {
	s.httpClient = client
}
