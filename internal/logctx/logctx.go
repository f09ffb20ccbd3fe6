package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	taskKeyKey contextKey = "task_key"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithTaskKey tags the context with the key of the task being worked on.
// TraceHandler adds it to every record logged with the context.
func WithTaskKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, taskKeyKey, key)
}

// TaskKeyFromContext returns the task key stored by WithTaskKey.
func TaskKeyFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(taskKeyKey).(string)
	return key, ok && key != ""
}
