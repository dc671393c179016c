package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentriq/maintflow/pkg/maintflow/agent"
	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
)

// Task priorities assigned by the scheduling agent.
const (
	PriorityUrgent  = "urgent"
	PriorityHigh    = "high"
	PriorityRoutine = "routine"
)

// SchedulingConfig configures the scheduling agent.
type SchedulingConfig struct {
	// UrgentWithin marks predictions due inside this lead time urgent.
	// Default: 48h
	UrgentWithin time.Duration

	// HighWithin marks predictions due inside this lead time high
	// priority. Default: 7 days
	HighWithin time.Duration
}

// Scheduling books maintenance tasks into work windows based on the
// predicted failure time and equipment criticality.
type Scheduling struct {
	*agent.BaseAgent
	cfg SchedulingConfig
	now func() time.Time
}

// NewScheduling creates the scheduling agent.
func NewScheduling(base agent.BaseConfig, cfg SchedulingConfig) (*Scheduling, error) {
	if base.ID == "" {
		base.ID = "scheduling-agent"
	}
	if cfg.UrgentWithin <= 0 {
		cfg.UrgentWithin = 48 * time.Hour
	}
	if cfg.HighWithin <= 0 {
		cfg.HighWithin = 7 * 24 * time.Hour
	}

	a := &Scheduling{
		BaseAgent: agent.NewBase(base),
		cfg:       cfg,
		now:       time.Now,
	}

	err := a.Handle(pipeline.TypeMaintenancePredicted,
		event.TypedHandler(a.onPrediction),
		event.WithEmits(pipeline.TypeMaintenanceScheduled))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Scheduling) onPrediction(_ context.Context, prediction pipeline.Prediction, meta event.Metadata) ([]event.Event, error) {
	now := a.now()
	lead := prediction.PredictedFailureAt.Sub(now)

	priority := PriorityRoutine
	switch {
	case lead <= a.cfg.UrgentWithin || prediction.Criticality == pipeline.CriticalityCritical:
		priority = PriorityUrgent
	case lead <= a.cfg.HighWithin || prediction.Criticality == pipeline.CriticalityHigh:
		priority = PriorityHigh
	}

	start, end := a.window(now, priority, prediction.PredictedFailureAt)

	task := pipeline.ScheduledTask{
		TaskID:      uuid.New().String(),
		EquipmentID: prediction.EquipmentID,
		SensorID:    prediction.SensorID,
		Priority:    priority,
		WindowStart: start,
		WindowEnd:   end,
		Criticality: prediction.Criticality,
		Summary: fmt.Sprintf("Inspect %s (sensor %s): failure predicted by %s",
			prediction.EquipmentID, prediction.SensorID,
			prediction.PredictedFailureAt.Format(time.RFC3339)),
	}

	a.Logger().Info("maintenance scheduled",
		"task_id", task.TaskID,
		"equipment_id", task.EquipmentID,
		"priority", task.Priority,
		"window_start", task.WindowStart,
		"correlation_id", meta.CorrelationID)

	return []event.Event{
		event.NewFromMeta(meta, pipeline.TypeMaintenanceScheduled, a.ID(), task),
	}, nil
}

// window picks a work window that finishes before the predicted
// failure, tighter for higher priorities.
func (a *Scheduling) window(now time.Time, priority string, failureAt time.Time) (time.Time, time.Time) {
	switch priority {
	case PriorityUrgent:
		return now.Add(4 * time.Hour), now.Add(8 * time.Hour)
	case PriorityHigh:
		start := now.Add(24 * time.Hour)
		return start, start.Add(8 * time.Hour)
	default:
		// Routine work lands a day ahead of the prediction, never in
		// the past.
		start := failureAt.Add(-24 * time.Hour)
		if start.Before(now) {
			start = now.Add(24 * time.Hour)
		}
		return start, start.Add(8 * time.Hour)
	}
}
