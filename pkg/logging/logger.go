// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelTrace logs every page request and token check.
	LevelTrace LogLevel = "trace"

	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

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

	// Durations are logged as milliseconds ("wait":250).
	zerolog.DurationFieldUnit = time.Millisecond

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "trace":
		return zerolog.TraceLevel
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

// Fingerprint returns a short, stable, non-reversible identifier for a secret
// so that tokens can be correlated in logs without being written out.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}

// Log Level Guidelines:
//
// Trace: token cache hits, rate limiter grants without wait
//
// Debug: Detailed information for debugging
//   - Page requests (start_index, row_count)
//   - Response timings (request, parse, transaction)
//   - Token refresh bodies are NEVER logged, only fingerprints
//
// Info: Normal operation events
//   - Token refreshed (client_id, expires_at)
//   - Pagination finished (records, pages)
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Malformed element dropped from a result array
//   - Response body with more than one top-level JSON value
//   - Rate limiter waits
//   - Token store errors (falls back to memory)
//
// Error: Error conditions requiring attention
//   - Token refresh failed
//   - Page fetch failed, premature end of data
//   - Configuration errors
//
// Context Fields:
//   - client_id: OAuth client identifier
//   - token: token fingerprint (see Fingerprint)
//   - endpoint: API endpoint path
//   - status_code: HTTP status code
//   - start_index / row_count: page cursor
//   - records: number of records on a page or in a session
//   - wait: rate limiter wait
//   - session_id: paginator session
//   - error_class: redirect, client, server, network, malformed
