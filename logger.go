package centroid

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with centroid-specific context.
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

// NewVerbosityLogger creates a text Logger from a numeric verbosity knob:
// 0 logs warnings only, 1 adds progress info, 2 and above adds debug
// diagnostics including memory statistics.
func NewVerbosityLogger(verbosity int) *Logger {
	var level slog.Level
	switch {
	case verbosity <= 0:
		level = slog.LevelWarn
	case verbosity == 1:
		level = slog.LevelInfo
	default:
		level = slog.LevelDebug
	}
	return NewTextLogger(level)
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

// LogPlan logs the outcome of memory planning.
func (l *Logger) LogPlan(ctx context.Context, devices, groups int, scratchReused bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "memory planning failed",
			"devices", devices,
			"groups", groups,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "memory planning completed",
			"devices", devices,
			"groups", groups,
			"scratch_reused", scratchReused,
		)
	}
}

// LogInit logs a centroid initialization pass.
func (l *Logger) LogInit(ctx context.Context, method InitMethod, clusters int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "centroid initialization failed",
			"method", method.String(),
			"clusters", clusters,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "centroid initialization completed",
			"method", method.String(),
			"clusters", clusters,
		)
	}
}

// LogRefine logs the refinement run.
func (l *Logger) LogRefine(ctx context.Context, groups int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "refinement failed",
			"groups", groups,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "refinement completed",
			"groups", groups,
		)
	}
}

// LogMaterialize logs the result copy-out.
func (l *Logger) LogMaterialize(ctx context.Context, skipped bool, bytes int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "result materialization failed",
			"bytes", bytes,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "result materialization completed",
			"skipped", skipped,
			"bytes", bytes,
		)
	}
}

// LogMemoryStats logs per-device memory usage.
func (l *Logger) LogMemoryStats(ctx context.Context, dev int, used, free, total int64) {
	l.DebugContext(ctx, "device memory",
		"device", dev,
		"used_bytes", used,
		"used_pct", float64(used)*100/float64(total),
		"free_bytes", free,
		"total_bytes", total,
	)
}
