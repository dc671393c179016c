// Package agents contains the specialized agents of the maintenance
// pipeline. Each one embeds the agent runtime base, subscribes to its
// stage's input event, and emits the next stage's event. Agents never
// call each other directly; the bus is the only coupling.
package agents

import (
	"context"
	"fmt"
	"math"

	"github.com/sentriq/maintflow/pkg/maintflow/agent"
	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
)

// AcquisitionConfig configures the acquisition agent.
type AcquisitionConfig struct {
	// Criticality maps equipment ID to its criticality. Equipment not
	// listed defaults to medium.
	Criticality map[string]pipeline.Criticality
}

// Acquisition validates and enriches raw sensor readings. Malformed
// readings fail permanently and land in the DLQ instead of polluting
// downstream stages.
type Acquisition struct {
	*agent.BaseAgent
	cfg AcquisitionConfig
}

// NewAcquisition creates the acquisition agent.
func NewAcquisition(base agent.BaseConfig, cfg AcquisitionConfig) (*Acquisition, error) {
	if base.ID == "" {
		base.ID = "acquisition-agent"
	}
	a := &Acquisition{BaseAgent: agent.NewBase(base), cfg: cfg}

	err := a.Handle(pipeline.TypeSensorDataReceived,
		event.TypedHandler(a.onReading),
		event.WithEmits(pipeline.TypeDataProcessed))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Acquisition) onReading(_ context.Context, reading pipeline.SensorReading, meta event.Metadata) ([]event.Event, error) {
	if err := validateReading(reading); err != nil {
		return nil, err
	}

	criticality := a.cfg.Criticality[reading.EquipmentID]
	if criticality == "" {
		criticality = pipeline.CriticalityMedium
	}

	processed := pipeline.ProcessedReading{
		Reading:     reading,
		Criticality: criticality,
		Normalized:  reading.Value / reading.Threshold,
	}

	a.Logger().Debug("reading processed",
		"sensor_id", reading.SensorID,
		"equipment_id", reading.EquipmentID,
		"normalized", processed.Normalized,
		"correlation_id", meta.CorrelationID)

	return []event.Event{
		event.NewFromMeta(meta, pipeline.TypeDataProcessed, a.ID(), processed),
	}, nil
}

// validateReading rejects readings that can never become valid.
func validateReading(r pipeline.SensorReading) error {
	switch {
	case r.SensorID == "":
		return &mferrors.SchemaError{EventType: pipeline.TypeSensorDataReceived, Message: "sensor_id is required"}
	case r.EquipmentID == "":
		return &mferrors.SchemaError{EventType: pipeline.TypeSensorDataReceived, Message: "equipment_id is required"}
	case r.Threshold <= 0:
		return &mferrors.SchemaError{
			EventType: pipeline.TypeSensorDataReceived,
			Message:   fmt.Sprintf("sensor %s: threshold must be positive, got %v", r.SensorID, r.Threshold),
		}
	case math.IsNaN(r.Value) || math.IsInf(r.Value, 0):
		return &mferrors.SchemaError{
			EventType: pipeline.TypeSensorDataReceived,
			Message:   fmt.Sprintf("sensor %s: value is not a finite number", r.SensorID),
		}
	}
	return nil
}
