package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "taskforge"

// StartLinkedSpan creates a span linked to a stored trace context. The
// dispatch boundary loses live context: the trace and span ids are stored
// on the task at enqueue time, and the worker restores continuity here.
// Invalid or empty ids degrade to an unlinked span.
func StartLinkedSpan(ctx context.Context, name, traceID, parentSpanID string, attributes map[string]string) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}

	tracer := otel.Tracer(tracerName)
	opts := []trace.SpanStartOption{}

	if traceID != "" && parentSpanID != "" {
		tid, tidErr := trace.TraceIDFromHex(traceID)
		sid, sidErr := trace.SpanIDFromHex(parentSpanID)
		if tidErr == nil && sidErr == nil {
			parentSC := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: tid,
				SpanID:  sid,
				Remote:  true,
			})
			opts = append(opts, trace.WithLinks(trace.Link{
				SpanContext: parentSC,
				Attributes: []attribute.KeyValue{
					attribute.String("link.type", "async_task"),
				},
			}))
		}
	}

	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	opts = append(opts, trace.WithAttributes(attrs...))

	spanCtx, span := tracer.Start(ctx, name, opts...)
	return spanCtx, func() { span.End() }
}
