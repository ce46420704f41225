package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()

	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithSessionKey(ctx, "demo-1")
	ctx = WithOwnerID(ctx, "owner-1")

	assert.Equal(t, "trace-1", GetTraceID(ctx))
	assert.Equal(t, "run-1", GetRunID(ctx))
	assert.Equal(t, "demo-1", GetSessionKey(ctx))
	assert.Equal(t, "owner-1", GetOwnerID(ctx))
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()

	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetRunID(ctx))
	assert.Empty(t, GetSessionKey(ctx))
	assert.Empty(t, GetOwnerID(ctx))
}

func TestNewRunContext(t *testing.T) {
	ctx := NewRunContext(context.Background(), "run-42", "sess-42")

	assert.NotEmpty(t, GetTraceID(ctx), "run context should mint a trace ID")
	assert.Equal(t, "run-42", GetRunID(ctx))
	assert.Equal(t, "sess-42", GetSessionKey(ctx))
}

func TestNewRunContextKeepsTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "parent-trace")
	ctx = NewRunContext(ctx, "run-1", "sess-1")

	assert.Equal(t, "parent-trace", GetTraceID(ctx))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewRunContext(context.Background(), "run-9", "sess-9")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"run_id":"run-9"`)
	assert.Contains(t, out, `"session_key":"sess-9"`)
}
