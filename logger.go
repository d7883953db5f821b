package splatgo

import (
	"context"
	"log/slog"
	"os"

	"github.com/hupe1980/splatgo/population"
)

// Logger wraps slog.Logger with splatgo-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithIteration adds an iteration field to the logger.
func (l *Logger) WithIteration(iteration int) *Logger {
	return &Logger{
		Logger: l.Logger.With("iteration", iteration),
	}
}

// LogProgress logs periodic training progress.
func (l *Logger) LogProgress(ctx context.Context, iteration int, emaLoss float64, populationSize int, phase Phase) {
	l.InfoContext(ctx, "training progress",
		"iteration", iteration,
		"ema_loss", emaLoss,
		"population", populationSize,
		"phase", phase.String(),
	)
}

// LogDensify logs the outcome of one densification cycle.
func (l *Logger) LogDensify(ctx context.Context, iteration int, res population.Result, populationSize int) {
	l.DebugContext(ctx, "densify and prune completed",
		"iteration", iteration,
		"created", res.Created,
		"deleted", res.Deleted,
		"cloned", res.Cloned,
		"split", res.Split,
		"pruned", res.Pruned,
		"capped", res.Capped,
		"population", populationSize,
	)
}

// LogOpacityReset logs an opacity reset.
func (l *Logger) LogOpacityReset(ctx context.Context, iteration int) {
	l.DebugContext(ctx, "opacity reset",
		"iteration", iteration,
	)
}

// LogGraphRebuild logs a neighbor graph rebuild.
func (l *Logger) LogGraphRebuild(ctx context.Context, iteration, surfaceRows int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "neighbor graph rebuild failed",
			"iteration", iteration,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "neighbor graph rebuilt",
			"iteration", iteration,
			"surface_rows", surfaceRows,
		)
	}
}

// LogCheckpoint logs a checkpoint save.
func (l *Logger) LogCheckpoint(ctx context.Context, iteration int, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint save failed",
			"iteration", iteration,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "checkpoint saved",
			"iteration", iteration,
			"name", name,
		)
	}
}

// LogRestore logs a checkpoint restore.
func (l *Logger) LogRestore(ctx context.Context, iteration uint64, populationSize int) {
	l.InfoContext(ctx, "checkpoint restored",
		"iteration", iteration,
		"population", populationSize,
	)
}
