// Package logging provides structured logging configuration using zerolog.
// Every dejafoo binary calls Setup once and derives component loggers with NewLogger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ServiceName is attached to every log line.
const ServiceName = "dejafoo"

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

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Str("service", ServiceName).Logger()

	// Set as global logger
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

// Component names used with NewLogger.
const (
	ComponentServer   = "server"
	ComponentProxy    = "proxy"
	ComponentCache    = "cache"
	ComponentUpstream = "upstream"
	ComponentSweep    = "sweep"
	ComponentLease    = "lease"
)

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// ValidLevel reports whether level names a supported log level.
func ValidLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache hit/miss per digest, tier and TTL of stored entries
//   - Requests forwarded upstream
//   - Lease acquisition and release
//
// Info: Normal operation events
//   - Served requests (one line per request)
//   - Sweep results
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Cache backend errors handled by fail-open
//   - Best-effort blob deletion failures
//   - Upstream retries and circuit breaker state changes
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Sweep failures
//   - Configuration errors
//
// Context Fields:
//   - service: Always "dejafoo"
//   - component: Emitting component (server, proxy, cache, upstream, sweep, lease)
//   - request_id: x-request-id of the inbound request
//   - digest: Cache key digest
//   - tenant: Cache namespace derived from the Host header
//   - tier: Storage tier of an entry (inline, blob)
//   - status: HTTP status code
//   - error_class: Upstream error classification (client, server, network, circuit)
//   - ttl: Cache entry TTL
//   - duration: Request or sweep duration
