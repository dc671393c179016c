package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records an event published to the bus.
	RecordPublish(ctx context.Context, eventType string)

	// RecordDelivery records a completed delivery attempt series.
	RecordDelivery(ctx context.Context, eventType, subscriberID string, attempts int, duration time.Duration, success bool)

	// RecordDeadLetter records an event moved to the DLQ.
	RecordDeadLetter(ctx context.Context, eventType, subscriberID string)

	// RecordWorkflowClosed records a workflow reaching a terminal stage.
	RecordWorkflowClosed(ctx context.Context, stage string, duration time.Duration)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	publishes       metric.Int64Counter
	deliveries      metric.Int64Counter
	deliveryLatency metric.Float64Histogram
	retries         metric.Int64Counter
	deadLetters     metric.Int64Counter
	workflows       metric.Int64Counter
	workflowLatency metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("maintflow")

	publishes, err := meter.Int64Counter("maintflow.bus.publishes",
		metric.WithDescription("Number of events published"),
	)
	if err != nil {
		return nil, err
	}

	deliveries, err := meter.Int64Counter("maintflow.bus.deliveries",
		metric.WithDescription("Number of completed deliveries"),
	)
	if err != nil {
		return nil, err
	}

	deliveryLatency, err := meter.Float64Histogram("maintflow.bus.delivery_latency_ms",
		metric.WithDescription("Delivery latency in milliseconds, including retries"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("maintflow.bus.retries",
		metric.WithDescription("Number of delivery retries"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("maintflow.bus.dead_letters",
		metric.WithDescription("Number of events moved to the DLQ"),
	)
	if err != nil {
		return nil, err
	}

	workflows, err := meter.Int64Counter("maintflow.workflow.closed",
		metric.WithDescription("Number of workflows reaching a terminal stage"),
	)
	if err != nil {
		return nil, err
	}

	workflowLatency, err := meter.Float64Histogram("maintflow.workflow.latency_ms",
		metric.WithDescription("Workflow duration from first event to terminal stage"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		publishes:       publishes,
		deliveries:      deliveries,
		deliveryLatency: deliveryLatency,
		retries:         retries,
		deadLetters:     deadLetters,
		workflows:       workflows,
		workflowLatency: workflowLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global
// OTel meter provider. Falls back to NoopMetrics if instrument
// creation fails.
func NewMetricsRecorder(logger *slog.Logger) MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		if logger != nil {
			logger.Warn("metrics disabled: instrument creation failed", "error", err)
		}
		return NoopMetrics{}
	}
	return m
}

// RecordPublish implements MetricsRecorder.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string) {
	m.publishes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", eventType),
	))
}

// RecordDelivery implements MetricsRecorder.
func (m *otelMetrics) RecordDelivery(ctx context.Context, eventType, subscriberID string, attempts int, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("subscriber.id", subscriberID),
		attribute.Bool("success", success),
	)
	m.deliveries.Add(ctx, 1, attrs)
	m.deliveryLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if attempts > 1 {
		m.retries.Add(ctx, int64(attempts-1), attrs)
	}
}

// RecordDeadLetter implements MetricsRecorder.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType, subscriberID string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", eventType),
		attribute.String("subscriber.id", subscriberID),
	))
}

// RecordWorkflowClosed implements MetricsRecorder.
func (m *otelMetrics) RecordWorkflowClosed(ctx context.Context, stage string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("workflow.stage", stage))
	m.workflows.Add(ctx, 1, attrs)
	m.workflowLatency.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

// RecordPublish implements MetricsRecorder.
func (NoopMetrics) RecordPublish(context.Context, string) {}

// RecordDelivery implements MetricsRecorder.
func (NoopMetrics) RecordDelivery(context.Context, string, string, int, time.Duration, bool) {}

// RecordDeadLetter implements MetricsRecorder.
func (NoopMetrics) RecordDeadLetter(context.Context, string, string) {}

// RecordWorkflowClosed implements MetricsRecorder.
func (NoopMetrics) RecordWorkflowClosed(context.Context, string, time.Duration) {}
