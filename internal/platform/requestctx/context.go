// Package requestctx carries request-scoped values shared by middleware, handlers and services.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey int

const (
	loggerKey contextKey = iota
	traceKey
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger retrieves the request logger or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// HasLogger reports whether a request logger was injected.
func HasLogger(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	return ok && logger != nil && logger != noopLogger
}

// WithTrace stores the trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}
