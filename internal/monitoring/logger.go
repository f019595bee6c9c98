// Package monitoring holds the structured logger, panic recovery helper and
// Prometheus metrics shared by every component.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger construction options.
type LoggerConfig struct {
	Level  string // debug|info|warn|error
	Format string // json|pretty
}

// NewLogger creates the service-wide structured logger. Output is JSON on
// stdout unless pretty format is requested for local development.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || level == zerolog.NoLevel {
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
		Str("service", "slowplay").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack trace and lets the
// caller continue. Use as a deferred call in every long-lived goroutine so a
// single bad input cannot take the server down.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
