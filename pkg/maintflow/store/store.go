// Package store provides the persistence boundary of the pipeline: the
// append-only event log, the durable dead-letter queue, reading history,
// the exactly-once maintenance log, and the decision audit trail.
//
// Two implementations exist: MemoryStore for tests and single-shot
// demos, and SQLiteStore for durable single-process deployments.
// Connectivity failures surface as *errors.ConnectivityError so agents
// treat them as transient.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
)

// Reading is the persisted form of a sensor reading, including whether
// it was later judged anomalous. The anomaly flag feeds the validation
// agent's recurrence analysis.
type Reading struct {
	SensorID    string               `json:"sensor_id"`
	EquipmentID string               `json:"equipment_id"`
	SensorType  string               `json:"sensor_type"`
	Unit        string               `json:"unit,omitempty"`
	Value       float64              `json:"value"`
	Threshold   float64              `json:"threshold"`
	Anomalous   bool                 `json:"anomalous"`
	Criticality pipeline.Criticality `json:"criticality"`
	ReadAt      time.Time            `json:"read_at"`
}

// LoggedEvent is one row of the append-only event log.
type LoggedEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schema_version"`
	Payload       []byte    `json:"payload"`
}

// DecisionRecord is one entry of a workflow's decision history.
type DecisionRecord struct {
	CorrelationID string    `json:"correlation_id"`
	Stage         string    `json:"stage"`
	Decision      string    `json:"decision"`
	Actor         string    `json:"actor"` // "automated" or "human:<operator>"
	Detail        string    `json:"detail,omitempty"`
	DecidedAt     time.Time `json:"decided_at"`
}

// EventLog is the append-only audit log the bus writes through.
type EventLog interface {
	event.Appender

	// ByCorrelation returns a workflow's events in append order.
	ByCorrelation(ctx context.Context, correlationID string) ([]LoggedEvent, error)
}

// ReadingHistory persists sensor readings and serves recent windows.
type ReadingHistory interface {
	SaveReading(ctx context.Context, r Reading) error

	// RecentReadings returns up to limit readings for a sensor, newest first.
	RecentReadings(ctx context.Context, sensorID string, limit int) ([]Reading, error)
}

// MaintenanceLog provides the check-and-set used for exactly-once side
// effects: Record returns false when the event ID was already recorded.
type MaintenanceLog interface {
	Record(ctx context.Context, eventID string, rec pipeline.MaintenanceRecord) (bool, error)
	Recorded(ctx context.Context, eventID string) (bool, error)
}

// DecisionLog persists the orchestrator's decision history.
type DecisionLog interface {
	SaveDecision(ctx context.Context, d DecisionRecord) error
	DecisionsByWorkflow(ctx context.Context, correlationID string) ([]DecisionRecord, error)
}

// ErrStoreClosed is returned when a store is used after Close.
var ErrStoreClosed = errors.New("store is closed")
