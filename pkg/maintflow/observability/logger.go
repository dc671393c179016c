// Package observability provides structured logging, metrics, and
// distributed tracing for the maintenance pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds pipeline context to a logger. Returns a new logger
// with correlation_id, agent_id, and attempt fields.
func EnrichLogger(logger *slog.Logger, correlationID, agentID string, attempt int) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("correlation_id", correlationID),
		slog.String("agent_id", agentID),
		slog.Int("attempt", attempt),
	)
}

// LogWorkflowStart logs the first event of a workflow.
func LogWorkflowStart(logger *slog.Logger, correlationID, eventType string) {
	if logger == nil {
		return
	}
	logger.Info("workflow starting",
		slog.String("correlation_id", correlationID),
		slog.String("event_type", eventType),
	)
}

// LogWorkflowClosed logs a workflow reaching a terminal stage.
func LogWorkflowClosed(logger *slog.Logger, correlationID, stage string, duration time.Duration) {
	if logger == nil {
		return
	}
	logger.Info("workflow closed",
		slog.String("correlation_id", correlationID),
		slog.String("stage", stage),
		slog.Duration("duration", duration),
	)
}

// LogDeadLetter logs an event landing in the DLQ.
func LogDeadLetter(logger *slog.Logger, eventID, eventType, subscriberID, finalError string, attempts int) {
	if logger == nil {
		return
	}
	logger.Error("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("subscriber_id", subscriberID),
		slog.Int("attempts", attempts),
		slog.String("final_error", finalError),
	)
}
