// Package ctxkey defines shared context key types used across multiple packages.
// This package has no dependencies on other internal packages to avoid import cycles.
package ctxkey

import (
	"context"
	"log/slog"
)

// LoggerKey is the context key type for the enriched logger.
// HTTP middleware stores a logger carrying request_id; the WebSocket adapter
// stores one carrying connection_id.
type LoggerKey struct{}

// RequestIDKey is the context key type for the per-request correlation id.
type RequestIDKey struct{}

// WithLogger returns ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey{}, logger)
}

// Logger returns the enriched logger from ctx, or fallback when there is none.
// A nil fallback means slog.Default().
func Logger(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// RequestID returns the request id stored in ctx, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey{}).(string)
	return id
}
