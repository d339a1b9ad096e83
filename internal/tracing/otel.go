// Package tracing wires OpenTelemetry spans around task and stage
// execution. It is purely additive instrumentation: nothing in the
// scheduler's contract, skip, or error-propagation logic depends on it.
package tracing

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/fenwick/pipelinerunner/internal/logging"
)

var (
	initOnce sync.Once
	tracer   oteltrace.Tracer = otel.Tracer("pipelinerunner")
)

// Options configures the tracer provider.
type Options struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// Init sets the global tracer provider once per process. Safe to call
// repeatedly; only the first call takes effect. Returns a shutdown func that
// should be deferred by the caller (cmd/runner's main).
func Init(ctx context.Context, log *logging.Logger, opts Options) func(context.Context) error {
	shutdown := func(context.Context) error { return nil }
	if !opts.Enabled {
		return shutdown
	}
	name := strings.TrimSpace(opts.ServiceName)
	if name == "" {
		name = "pipelinerunner"
	}
	initOnce.Do(func() {
		exporter, err := buildExporter(ctx, opts)
		if err != nil {
			if log != nil {
				log.Warn("otel exporter init failed, tracing disabled", "error", err)
			}
			return
		}
		res, resErr := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(name)))
		if resErr != nil {
			res = resource.Default()
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		tracer = tp.Tracer("pipelinerunner")
		shutdown = tp.Shutdown
		if log != nil {
			log.Info("otel tracing initialized", "service", name, "endpoint", opts.Endpoint)
		}
	})
	return shutdown
}

func buildExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(opts.Endpoint), otlptracehttp.WithInsecure())
}

// StartSpan starts a span under the package tracer with the given name and
// attributes. Callers must call the returned end func (typically deferred).
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
	return ctx, func() { span.End() }
}
