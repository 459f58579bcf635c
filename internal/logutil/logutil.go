// Package logutil provides the structured logger constructor and the
// LevelTrace level that cmd/npuexecdemo installs as its default logger.
package logutil

import (
	"context"
	"io"
	"log/slog"
)

// LevelTrace sits below slog.LevelDebug. The executor logs its
// per-subgraph-invocation records at slog.LevelDebug, so a handler set
// to LevelTrace passes them too.
const LevelTrace = slog.LevelDebug - 4

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
}

// NewLogger builds the default slog.Logger for this module, writing
// text-formatted records to w at or above level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level := a.Value.Any().(slog.Level)
				if name, ok := levelNames[level]; ok {
					a.Value = slog.StringValue(name)
				}
			}
			return a
		},
	}))
}

// Trace logs args at LevelTrace against the default logger. Callers
// that hold their own *slog.Logger should call Logger.Log directly
// instead; this mirrors the package-level slog.Debug/slog.Info helpers.
func Trace(msg string, args ...any) {
	slog.Default().Log(context.Background(), LevelTrace, msg, args...)
}
