// Package observability provides structured logging for vodarr.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

// loggerKey is the context key for the logger.
const loggerKey contextKey = "logger"

// Options controls handler construction.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "text" or "json".
	Format string
	// AddSource includes source positions in records.
	AddSource bool
}

// NewLogger creates a slog.Logger writing to stderr, leaving stdout for
// batch summaries and command output.
func NewLogger(opts Options) *slog.Logger {
	return NewLoggerWithWriter(opts, os.Stderr)
}

// NewLoggerWithWriter creates a slog.Logger writing to w. Used directly
// by the audit recorder, which logs to a file under the log dir.
func NewLoggerWithWriter(opts Options, w io.Writer) *slog.Logger {
	hopts := &slog.HandlerOptions{
		Level:     ParseLevel(opts.Level),
		AddSource: opts.AddSource,
	}

	var handler slog.Handler
	switch opts.Format {
	case "json":
		handler = slog.NewJSONHandler(w, hopts)
	default:
		handler = slog.NewTextHandler(w, hopts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent tags the logger with the originating component.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// WithJobID tags the logger with a job ID.
func WithJobID(logger *slog.Logger, jobID string) *slog.Logger {
	return logger.With(slog.String("job_id", jobID))
}

// WithError adds an error attribute; nil errors are ignored.
func WithError(logger *slog.Logger, err error) *slog.Logger {
	if err == nil {
		return logger
	}
	return logger.With(slog.String("error", err.Error()))
}

// ContextWithLogger stores the logger in the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the context's logger, or slog.Default().
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// SetDefault installs the logger as the process-wide slog default.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

// TimedStage logs the start of a named pipeline stage and returns a
// function to defer that logs completion with duration and outcome.
//
// Usage:
//
//	var err error
//	done := observability.TimedStage(ctx, logger, "intake", &err)
//	defer done()
func TimedStage(ctx context.Context, logger *slog.Logger, stage string, errPtr *error) func() {
	start := time.Now()
	logger.DebugContext(ctx, "stage started", slog.String("stage", stage))

	return func() {
		duration := time.Since(start)
		if errPtr != nil && *errPtr != nil {
			logger.ErrorContext(ctx, "stage failed",
				slog.String("stage", stage),
				slog.Duration("duration", duration),
				slog.String("error", (*errPtr).Error()),
			)
			return
		}
		logger.InfoContext(ctx, "stage completed",
			slog.String("stage", stage),
			slog.Duration("duration", duration),
		)
	}
}
