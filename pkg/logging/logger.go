// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Truncation limits used when response bodies and record payloads are logged.
const (
	MaxBodyLogLength    = 1000
	MaxPayloadLogLength = 500
)

const truncatedSuffix = "... [truncated]"

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Truncate shortens s to at most max characters for log output.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	// Avoid splitting a multi-byte rune.
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Token cache hits, shared store lookups
//   - Request routing (create vs update)
//   - Per-record progress inside a batch
//
// Info: Normal operation events
//   - Token refreshed (expiry only, never the token)
//   - Batch completed with counters
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts and token invalidation after 401/403
//   - Resource type mismatch against the configured filter
//   - Shared token store errors (fallback to direct fetch)
//   - Skipped empty records
//
// Error: Error conditions requiring attention
//   - Failed attempts with status and truncated body
//   - Records that exhausted their retries
//   - Token endpoint failures
//
// Context Fields:
//   - endpoint: remote URL without query
//   - operation: create or update
//   - status: HTTP status code
//   - attempt / max_attempts: retry loop position
//   - error_class: validation, auth, transient
//   - resource_type / resource_id: record identity
//   - submission_id: correlation id sent as X-Request-ID
//   - topic / partition / offset: upstream position of a record
//   - expires_at: credential expiry
