package debug

import (
	"context"
	"fmt"
	"log/slog"
)

var (
	logger = slog.New(noOp{})
)

func RegisterLogger(h slog.Handler) {
	logger = slog.New(h)
}

// Log writes the log message to the configured log handler.
// Level indicates the verbosity of the messages to log, as defined in log/slog.
// Arguments can be added as required, preferably as a set of slog.Attr.
func Log(ctx context.Context, level slog.Level, msg string, args ...any) {
	logger.Log(ctx, level, msg, args...)
}

// Assert registers an error-level log message if the specified condition is false, optionally alongside
// any meaningful (set of) slog.Attr(s).
func Assert(ctx context.Context, condition bool, args ...any) {
	if !condition {
		logger.Log(ctx, slog.LevelError, "assertion failed", args...)
	}
}

// Logf writes a printf-formatted message at a connection/session/link mux's
// numbered verbosity level (1 = state transitions, 2 = frame-level detail,
// 3 = per-message detail), mapped onto slog.LevelDebug minus the level so
// higher verbosity sorts below the default handler threshold.
func Logf(level int, format string, args ...any) {
	logger.Log(context.Background(), slog.LevelDebug-slog.Level(level), fmt.Sprintf(format, args...))
}
