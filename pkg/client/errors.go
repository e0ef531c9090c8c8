package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the submitter.
var (
	// ErrValidation matches failures the payload can never recover from as-is.
	ErrValidation = errors.New("validation failed")

	// ErrAuthentication matches failures caused by a missing or rejected token.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTransient matches network, timeout and server-side failures.
	ErrTransient = errors.New("transient failure")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInsecureEndpoint is returned by New for non-HTTPS base URLs.
	ErrInsecureEndpoint = errors.New("fhir server url must be https")
)

// SubmitError describes one failed submission attempt.
type SubmitError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	// Body is the truncated response body, if a response arrived.
	Body string
	Err  error
}

// Error implements the error interface.
func (e *SubmitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("FHIR %s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("FHIR %s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SubmitError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error class.
func (e *SubmitError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.ErrorClass == ErrorClassValidation
	case ErrAuthentication:
		return e.ErrorClass == ErrorClassAuth
	case ErrTransient:
		return e.ErrorClass == ErrorClassTransient
	}
	return false
}

// TerminalError is returned once a record will not be retried any further.
type TerminalError struct {
	// RecordID is the resource reference, "Type/id" or "Type".
	RecordID string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *TerminalError) Error() string {
	return fmt.Sprintf("submit %s failed after %d attempt(s): %v", e.RecordID, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TerminalError) Unwrap() error {
	return e.Err
}

// LastAttempt returns the SubmitError of the final attempt, if any.
func (e *TerminalError) LastAttempt() *SubmitError {
	var submitErr *SubmitError
	if errors.As(e.Err, &submitErr) {
		return submitErr
	}
	return nil
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassValidation:
		// The payload will never succeed unmodified
		return false
	case ErrorClassAuth:
		// Retried with a fresh token
		return true
	case ErrorClassTransient:
		return true
	default:
		return false
	}
}

// classOf returns the class of err, treating unclassified errors as transient.
func classOf(err error) ErrorClass {
	var submitErr *SubmitError
	if errors.As(err, &submitErr) {
		return submitErr.ErrorClass
	}
	return ErrorClassTransient
}
