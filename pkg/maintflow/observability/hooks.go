package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sentriq/maintflow/pkg/maintflow/event"
)

// InstrumentBus wires metrics and logging into a bus configuration's
// observability hooks. Existing hooks are preserved and called first.
func InstrumentBus(cfg *event.BusConfig, metrics MetricsRecorder, logger *slog.Logger) {
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	prevPublish := cfg.OnPublish
	cfg.OnPublish = func(evt event.Event) {
		if prevPublish != nil {
			prevPublish(evt)
		}
		metrics.RecordPublish(context.Background(), evt.Type())
	}

	prevDelivered := cfg.OnDelivered
	cfg.OnDelivered = func(evt event.Event, subscriberID string, attempts int, duration time.Duration) {
		if prevDelivered != nil {
			prevDelivered(evt, subscriberID, attempts, duration)
		}
		metrics.RecordDelivery(context.Background(), evt.Type(), subscriberID, attempts, duration, true)
	}

	prevError := cfg.OnError
	cfg.OnError = func(evt event.Event, subscriberID string, err error) {
		if prevError != nil {
			prevError(evt, subscriberID, err)
		}
		if logger != nil {
			logger.Debug("delivery attempt failed",
				"event_type", evt.Type(),
				"event_id", evt.ID(),
				"subscriber_id", subscriberID,
				"error", err)
		}
	}

	prevDeadLetter := cfg.OnDeadLetter
	cfg.OnDeadLetter = func(entry *event.DeadLetterEntry) {
		if prevDeadLetter != nil {
			prevDeadLetter(entry)
		}
		metrics.RecordDeadLetter(context.Background(), entry.EventType, entry.SubscriberID)
		LogDeadLetter(logger, entry.EventID, entry.EventType, entry.SubscriberID,
			entry.FinalError, entry.AttemptCount)
	}
}

// TraceMiddleware opens a delivery span around each handler invocation
// for the given subscriber. Wire it into agent middleware so every
// delivery attempt is traced.
func TraceMiddleware(spans SpanManager, subscriberID string) event.MiddlewareFunc {
	if spans == nil {
		spans = NoopSpanManager{}
	}
	return func(next event.Handler) event.Handler {
		return event.HandlerFunc(func(ctx context.Context, evt event.Event) ([]event.Event, error) {
			spanCtx, span := spans.StartDeliverySpan(ctx, evt.Type(), subscriberID)
			spans.AddSpanEvent(spanCtx, "delivery.start",
				attribute.String("event.id", evt.ID()),
				attribute.String("workflow.correlation_id", evt.CorrelationID()))
			derived, err := next.Handle(spanCtx, evt)
			spans.EndSpanWithError(span, err)
			return derived, err
		})
	}
}
