// Package logutil provides the structured logging conventions used
// throughout aidag: a slog.Logger constructor honoring the configured
// level, and a Trace helper one notch more verbose than slog.Debug for the
// high-frequency worker-loop/batching messages that would otherwise drown
// out debug logging.
package logutil

import (
	"context"
	"io"
	"log/slog"
)

// LevelTrace sits below slog.LevelDebug so -vv style verbosity can be
// distinguished from ordinary debug logging without a second logger.
const LevelTrace = slog.LevelDebug - 4

// NewLogger builds the process-wide structured logger. level is normally
// sourced from internal/config.LogLevel().
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}))
}

// Trace logs a high-frequency diagnostic message (worker-loop pops,
// batching decisions, DAG op dispatch). Call sites mirror slog's
// key/value variadic convention.
func Trace(msg string, args ...any) {
	slog.Default().Log(context.Background(), LevelTrace, msg, args...)
}
