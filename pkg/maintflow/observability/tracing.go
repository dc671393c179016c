package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer is the pipeline tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("maintflow")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartWorkflowSpan starts a span covering one workflow instance.
	StartWorkflowSpan(ctx context.Context, correlationID string) (context.Context, trace.Span)

	// StartDeliverySpan starts a span for one event delivery.
	StartDeliverySpan(ctx context.Context, eventType, subscriberID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the
// provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartWorkflowSpan starts a span covering one workflow instance.
func (m *otelSpanManager) StartWorkflowSpan(ctx context.Context, correlationID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "maintflow.workflow",
		trace.WithAttributes(
			attribute.String("workflow.correlation_id", correlationID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartDeliverySpan starts a span for one event delivery.
func (m *otelSpanManager) StartDeliverySpan(ctx context.Context, eventType, subscriberID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "maintflow.delivery",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("subscriber.id", subscriberID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

// noopSpan is a span that does nothing, from the OTel noop package.
var noopSpan = noop.Span{}

// StartWorkflowSpan implements SpanManager.
func (NoopSpanManager) StartWorkflowSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartDeliverySpan implements SpanManager.
func (NoopSpanManager) StartDeliverySpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError implements SpanManager.
func (NoopSpanManager) EndSpanWithError(span trace.Span, _ error) {
	span.End()
}

// AddSpanEvent implements SpanManager.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
