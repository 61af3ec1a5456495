// Package telemetry owns the engine's tracer. Spans cover the four hot
// paths (session spawn, duty run, mission dispatch, worker run); everything
// downstream inherits context through them.
//
// The provider is lazy: the first Tracer call reads
// OTEL_EXPORTER_OTLP_ENDPOINT and builds an OTLP-HTTP pipeline when it is
// set, a no-op provider otherwise, so untraced deployments pay nothing.
package telemetry

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "chiefd"

var (
	setupOnce sync.Once
	provider  trace.TracerProvider = noop.NewTracerProvider()
	exporting *sdktrace.TracerProvider
)

// Tracer returns a named tracer, building the provider on first use.
func Tracer(name string) trace.Tracer {
	setupOnce.Do(setup)
	return provider.Tracer(name)
}

// Enabled reports whether spans are actually exported. The health snapshot
// uses it to show whether the engine is tracing.
func Enabled() bool {
	setupOnce.Do(setup)
	return exporting != nil
}

func setup() {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return
	}

	host, secure := splitEndpoint(endpoint)
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(host)}
	if !secure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		// Leave the no-op provider in place; a broken collector must not
		// take the engine down with it.
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	exporting = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = exporting
	otel.SetTracerProvider(provider)
}

// splitEndpoint strips the scheme for the exporter and reports whether the
// endpoint asked for TLS. A bare host:port stays plaintext.
func splitEndpoint(endpoint string) (host string, secure bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), false
	}
	return endpoint, false
}

// Shutdown flushes pending spans. Safe to call when tracing never started.
func Shutdown(ctx context.Context) error {
	if exporting == nil {
		return nil
	}
	return exporting.Shutdown(ctx)
}
