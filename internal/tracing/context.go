package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys carried by this package.
type ContextKey string

const (
	// TraceIDKey is the context key for the request-scoped trace ID.
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the run ID.
	RunIDKey ContextKey = "run_id"
	// SessionKeyKey is the context key for the conversation session key.
	SessionKeyKey ContextKey = "session_key"
	// OwnerIDKey is the context key for the policy owner.
	OwnerIDKey ContextKey = "owner_id"
)

// TraceContext holds the identifiers propagated through a run.
type TraceContext struct {
	TraceID    string
	RunID      string
	SessionKey string
	OwnerID    string
}

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithSessionKey adds a session key to the context.
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// WithOwnerID adds a policy owner ID to the context.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, OwnerIDKey, ownerID)
}

// GetTraceID retrieves the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context.
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetSessionKey retrieves the session key from the context.
func GetSessionKey(ctx context.Context) string {
	if sessionKey, ok := ctx.Value(SessionKeyKey).(string); ok {
		return sessionKey
	}
	return ""
}

// GetOwnerID retrieves the policy owner ID from the context.
func GetOwnerID(ctx context.Context) string {
	if ownerID, ok := ctx.Value(OwnerIDKey).(string); ok {
		return ownerID
	}
	return ""
}

// FromContext extracts all tracing information from the context.
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		SessionKey: GetSessionKey(ctx),
		OwnerID:    GetOwnerID(ctx),
	}
}

// NewRequestContext creates a new context for an incoming request with a
// fresh trace ID.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewRunContext derives a context for a single run: the trace ID is kept,
// the run ID and session key are set.
func NewRunContext(ctx context.Context, runID, sessionKey string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, runID)
	return WithSessionKey(ctx, sessionKey)
}
