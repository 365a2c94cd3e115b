// Package observability carries per-request logging state through context.
package observability

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	requestIDKey
	invocationIDKey
)

// ContextWithLogger attaches a non-nil logger to the context.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, lg)
}

// LoggerFromContext returns the stored logger, or slog.Default.
// The returned logger is enriched with request_id and invocation_id when present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	lg, _ := ctx.Value(loggerKey).(*slog.Logger)
	if lg == nil {
		lg = slog.Default()
	}
	var attrs []any
	if rid := RequestIDFromContext(ctx); rid != "" {
		attrs = append(attrs, slog.String("request_id", rid))
	}
	if iid := InvocationIDFromContext(ctx); iid != "" {
		attrs = append(attrs, slog.String("invocation_id", iid))
	}
	if len(attrs) == 0 {
		return lg
	}
	return lg.With(attrs...)
}

// ContextWithRequestID stores the inbound HTTP request_id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request_id or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	rid, _ := ctx.Value(requestIDKey).(string)
	return rid
}

// ContextWithInvocationID stores the id of one logical gateway invocation.
// All model attempts made for that invocation log under the same id.
func ContextWithInvocationID(ctx context.Context, id string) context.Context {
	if ctx == nil || id == "" {
		return ctx
	}
	return context.WithValue(ctx, invocationIDKey, id)
}

// InvocationIDFromContext returns the invocation id or "".
func InvocationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	iid, _ := ctx.Value(invocationIDKey).(string)
	return iid
}
