package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAndStartSpan(t *testing.T) {
	require.NoError(t, Init(Options{ServiceName: "keel-test", ServiceVersion: "0.0.0"}))
	// Init is once-only; a second call returns the first outcome.
	require.NoError(t, Init(Options{ServiceName: "ignored"}))

	ctx, span := StartSpan(context.Background(), "keel.test", "test.op")
	defer span.End()

	assert.NotEmpty(t, GetTraceID(ctx))
	assert.True(t, span.SpanContext().IsValid())
}

func TestStartSpanNilContext(t *testing.T) {
	ctx, span := StartSpan(nil, "keel.test", "test.nil")
	defer span.End()
	assert.NotNil(t, ctx)
}

func TestStartSpanKeepsExistingTraceID(t *testing.T) {
	base := WithTraceID(context.Background(), "trace-fixed")
	ctx, span := StartSpan(base, "keel.test", "test.keep")
	defer span.End()
	assert.Equal(t, "trace-fixed", GetTraceID(ctx))
}

func TestShutdown(t *testing.T) {
	assert.NoError(t, ShutdownOpenTelemetry(context.Background()))
}
