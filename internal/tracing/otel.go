package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options configures the process tracer provider
type Options struct {
	ServiceName    string
	ServiceVersion string
	SampleRatio    float64 // root span sampling in [0, 1]
}

var (
	mu     sync.Mutex
	active *sdktrace.TracerProvider
)

// Init installs a process-wide tracer provider. Calling it with a valid ratio
// while a provider is installed is a no-op.
func Init(opts Options) error {
	if opts.SampleRatio < 0 || opts.SampleRatio > 1 {
		return fmt.Errorf("sample ratio %v outside [0, 1]", opts.SampleRatio)
	}

	mu.Lock()
	defer mu.Unlock()

	if active != nil {
		return nil
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return fmt.Errorf("failed to build trace resource: %w", err)
	}

	active = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(active)
	return nil
}

// Enabled reports whether a provider is installed
func Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return active != nil
}

// Shutdown flushes the installed provider and reverts to a no-op one so
// Init may run again.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := active
	active = nil
	mu.Unlock()

	if tp == nil {
		return nil
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return tp.Shutdown(ctx)
}

// StartSpan starts a span named spanName. The span's trace id becomes the
// context trace id unless one is already set, and the request source is
// copied onto the span.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if source := GetSource(ctx); source != "" {
		attrs = append(attrs, attribute.String("retina.source", source))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if sc := span.SpanContext(); sc.IsValid() && GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}
