package shared

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	sessionIDKey
)

// WithRequest scopes ctx to one request of a session. It keeps a trace id
// the caller already set and mints one otherwise.
func WithRequest(ctx context.Context, sessionID string) context.Context {
	ctx = WithSessionID(ctx, sessionID)
	if TraceID(ctx) == "-" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return ctx
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the request's trace id, or "-" outside a request.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok && v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionID returns the session a request runs in, or "".
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}
