// Package monitoring holds the logger constructor, Prometheus metrics, and
// panic recovery helpers.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or pretty
}

// NewLogger creates a structured logger.
//
// Features:
//   - Structured JSON output (Loki-compatible)
//   - Timestamp in RFC3339 format
//   - Caller information for debugging
//   - Optional pretty console output for development
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "wsrpc").
		Logger()
}

// RecoverPanic is a deferred helper that logs a recovered panic with its
// stack trace instead of crashing the goroutine's owner.
//
// Example:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "dispatch")
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, where string) {
	if r := recover(); r != nil {
		logger.Error().
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Str("where", where).
			Msg("Panic recovered")
		PanicsRecovered.Inc()
	}
}
