// Package tracing provides OTel tracer initialization for the translation
// pipeline.
//
// Real tracing requires OTEL_EXPORTER_OTLP_ENDPOINT to be set.
// Without it a no-op tracer is used.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	serviceName     = "conduit"
	tracerName      = "conduit/pipeline"
	maxAttrValueLen = 8192
)

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

func initTracing() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns the pipeline tracer. No-op when tracing is disabled.
func Tracer() trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(tracerName)
}

// Enabled reports whether spans are exported.
func Enabled() bool {
	initOnce.Do(initTracing)
	return sdkProvider != nil
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

// Translation describes one raw backend record and what it became.
type Translation struct {
	Backend    string
	SessionID  string
	RawType    string
	Raw        []byte
	Normalized []byte
	Dropped    string
}

// TraceTranslation records a span with the raw and normalized payloads
// attached as events, for side-by-side comparison in a trace viewer.
func TraceTranslation(ctx context.Context, t Translation) {
	_, span := Tracer().Start(ctx, t.Backend+"."+t.RawType, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.SetAttributes(
		attribute.String("backend", t.Backend),
		attribute.String("session_id", t.SessionID),
		attribute.String("raw_type", t.RawType),
	)
	if len(t.Raw) > 0 {
		span.AddEvent("raw", trace.WithAttributes(attribute.String("data", truncate(string(t.Raw)))))
	}
	switch {
	case t.Dropped != "":
		span.AddEvent("dropped", trace.WithAttributes(attribute.String("reason", t.Dropped)))
	case len(t.Normalized) > 0:
		span.AddEvent("normalized", trace.WithAttributes(attribute.String("data", truncate(string(t.Normalized)))))
	default:
		span.AddEvent("normalized", trace.WithAttributes(attribute.Bool("conversion_failed", true)))
	}
}

func truncate(s string) string {
	if len(s) <= maxAttrValueLen {
		return s
	}
	return s[:maxAttrValueLen] + "...(truncated)"
}
