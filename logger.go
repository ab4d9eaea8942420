package btscan

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with btscan-specific helpers.
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
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithScan tags the logger with a scan snapshot.
func (l *Logger) WithScan(snapshot CSN) *Logger {
	return &Logger{
		Logger: l.Logger.With("snapshot", uint64(snapshot)),
	}
}

// LogScan logs a finished scan.
func (l *Logger) LogScan(ctx context.Context, snapshot CSN, stats ScanStats, err error) {
	if err != nil {
		l.ErrorContext(ctx, "scan failed",
			"snapshot", uint64(snapshot),
			"tuples", stats.Tuples,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "scan completed",
		"snapshot", uint64(snapshot),
		"tuples", stats.Tuples,
		"leaf_pages", stats.LeafPages,
		"disk_pages", stats.DiskPages,
		"fallbacks", stats.FallbackIterators,
	)
}

// LogCheckpoint logs a checkpoint.
func (l *Logger) LogCheckpoint(ctx context.Context, gen uint32, pages, reclaimed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"generation", gen,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "checkpoint completed",
		"generation", gen,
		"pages", pages,
		"reclaimed", reclaimed,
	)
}

// LogSweep logs scans released by SweepScans.
func (l *Logger) LogSweep(ctx context.Context, released int) {
	if released == 0 {
		return
	}
	l.WarnContext(ctx, "released abandoned scans", "count", released)
}
