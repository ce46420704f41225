package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configure the process-wide tracer provider.
type Options struct {
	ServiceName    string
	ServiceVersion string
	SampleRatio    float64 // fraction of root traces sampled; <=0 means sample everything
}

var (
	initOnce   sync.Once
	providerMu sync.RWMutex
	provider   *sdktrace.TracerProvider
	initErr    error
)

// Init installs the global tracer provider. The first call wins; later
// calls return its error.
func Init(opts Options) error {
	initOnce.Do(func() {
		attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
		if opts.ServiceVersion != "" {
			attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
		}

		res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
		if err != nil {
			initErr = err
			return
		}

		ratio := opts.SampleRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return initErr
}

// InitOpenTelemetry installs the provider with full sampling.
func InitOpenTelemetry(serviceName string) error {
	return Init(Options{ServiceName: serviceName})
}

// ShutdownOpenTelemetry flushes and shuts down the global tracer provider.
// A no-op when Init never ran.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and mirrors its trace ID into the context package
// so log lines and span streams correlate.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	return mirrorTraceID(ctx, span), span
}

// mirrorTraceID copies the span's trace ID into the lightweight context
// fields unless one is already set.
func mirrorTraceID(ctx context.Context, span trace.Span) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	sc := span.SpanContext()
	if !sc.IsValid() {
		return ctx
	}
	return WithTraceID(ctx, sc.TraceID().String())
}
