// Package logctx provides context-based logger injection and extraction.
//
// Event handlers enrich their logger with identifying fields (chunk_id,
// operation, job_name) and pass it down through context.Context, so a
// failure deep inside a staging job still logs which chunk it belonged to.
//
// Usage:
//
//	ctx = logctx.WithLogger(ctx, baseLogger)
//	ctx = logctx.WithChunk(ctx, chunkID)
//	logctx.FromContext(ctx).Info().Msg("staging started")
package logctx

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// loggerKey is the private key type for storing loggers in context.
// Using a private type prevents collisions with other packages.
type loggerKey struct{}

var (
	defaultLogger     zerolog.Logger
	defaultLoggerOnce sync.Once
)

// DefaultLogger returns the process-wide default logger used when no
// context logger is available. JSON to stderr with timestamps.
func DefaultLogger() zerolog.Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
	return defaultLogger
}

// WithLogger returns a new context with the given logger attached.
// The logger can be retrieved using FromContext.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext extracts the logger from the context. If the context is nil
// or does not contain a logger, returns the default logger.
//
// This function never returns a zero-value logger or panics.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
		return logger
	}
	return DefaultLogger()
}

// WithChunk returns a new context whose logger carries the chunk id.
func WithChunk(ctx context.Context, chunkID int64) context.Context {
	logger := FromContext(ctx).With().Int64("chunk_id", chunkID).Logger()
	return WithLogger(ctx, logger)
}

// WithStr returns a new context whose logger carries a string field.
func WithStr(ctx context.Context, key, value string) context.Context {
	logger := FromContext(ctx).With().Str(key, value).Logger()
	return WithLogger(ctx, logger)
}

// NewConfiguredLogger creates a new logger with the specified configuration.
// If debug is true, sets log level to Debug.
// If human is true, uses a human-friendly console writer.
func NewConfiguredLogger(debug, human bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	var output zerolog.LevelWriter
	if human {
		output = zerolog.LevelWriterAdapter{Writer: zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
			NoColor:    false,
		}}
	} else {
		output = zerolog.LevelWriterAdapter{Writer: os.Stderr}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}
