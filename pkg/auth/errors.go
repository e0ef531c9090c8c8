package auth

import (
	"errors"
	"fmt"
)

// ErrAuthentication is matched by every error returned from TokenCache.Token.
var ErrAuthentication = errors.New("authentication failed")

// Error describes a failed token acquisition.
type Error struct {
	// StatusCode is the identity provider status, 0 if no response arrived.
	StatusCode int
	Message    string
	// Body is the (truncated) identity provider response body.
	Body string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("oauth2: %s: %v", msg, e.Err)
	}
	return "oauth2: " + msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrAuthentication.
func (e *Error) Is(target error) bool {
	return target == ErrAuthentication
}
