package log

import (
	"context"
	"log/slog"
	"time"

	slogcontext "github.com/veqryn/slog-context"
)

// Operation is a helper function to log operations with timing and error handling.
// The returned func is called with the operation's final error (nil on success)
// and emits a completion record carrying the measured duration.
func Operation(ctx context.Context, operation string, fields ...slog.Attr) func(error) {
	start := time.Now()
	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "engine"), slog.String("operation", operation))
	logger.LogAttrs(ctx, slog.LevelDebug, "operation starting", fields...)

	return func(err error) {
		duration := slog.Duration("duration", time.Since(start))

		var level slog.Level
		var msg string
		if err != nil {
			level, msg = slog.LevelError, "operation failed"
			fields = append(fields, slog.String("error", err.Error()))
		} else {
			level, msg = slog.LevelDebug, "operation completed"
		}

		logger.LogAttrs(ctx, level, msg, append([]slog.Attr{duration}, fields...)...)
	}
}
