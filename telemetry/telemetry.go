// Package telemetry wires OpenTelemetry tracing and metrics for the
// engine: exporter setup, async trace continuity across the dispatch
// boundary, and counters for the task lifecycle.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config configures telemetry initialization.
type Config struct {
	// ServiceName identifies this service in traces.
	ServiceName string

	// Endpoint is the OTLP gRPC collector endpoint (host:port). When
	// empty, spans are written to stdout.
	Endpoint string

	// SampleRatio is the trace sampling ratio. Default: 1.0.
	SampleRatio float64
}

// Init sets up the global tracer provider and W3C propagation. The
// returned shutdown function flushes pending spans.
func Init(ctx context.Context, config Config) (func(context.Context) error, error) {
	if config.ServiceName == "" {
		config.ServiceName = "taskforge"
	}
	if config.SampleRatio <= 0 || config.SampleRatio > 1 {
		config.SampleRatio = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error
	if config.Endpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(config.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRatio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}
