package agents

import (
	"context"
	"fmt"

	"github.com/sentriq/maintflow/pkg/maintflow/agent"
	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/notify"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
	"github.com/sentriq/maintflow/pkg/maintflow/store"
)

// Notification dispatches scheduled-maintenance notifications and
// closes the workflow with maintenance.logged.
//
// Delivery is at-least-once on the bus, so the agent claims the event
// ID in the maintenance log before any channel send. A redelivered
// event finds the claim and is dropped without notifying twice.
type Notification struct {
	*agent.BaseAgent
	dispatcher *notify.Dispatcher
	log        store.MaintenanceLog
}

// NewNotification creates the notification agent.
func NewNotification(
	base agent.BaseConfig,
	dispatcher *notify.Dispatcher,
	log store.MaintenanceLog,
) (*Notification, error) {
	if base.ID == "" {
		base.ID = "notification-agent"
	}
	if log == nil {
		return nil, fmt.Errorf("notification agent requires a maintenance log")
	}

	a := &Notification{
		BaseAgent:  agent.NewBase(base),
		dispatcher: dispatcher,
		log:        log,
	}

	err := a.Handle(pipeline.TypeMaintenanceScheduled,
		event.TypedHandler(a.onScheduled),
		event.WithEmits(pipeline.TypeMaintenanceLogged))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Notification) onScheduled(ctx context.Context, task pipeline.ScheduledTask, meta event.Metadata) ([]event.Event, error) {
	// Claim before sending. If the claim fails transiently the bus
	// retries the whole delivery; if the claim already exists this is a
	// redelivery and the notifications already went out.
	claimed, err := a.log.Record(ctx, meta.EventID, pipeline.MaintenanceRecord{TaskID: task.TaskID})
	if err != nil {
		return nil, err
	}
	if !claimed {
		a.Logger().Info("duplicate delivery suppressed",
			"event_id", meta.EventID,
			"task_id", task.TaskID,
			"correlation_id", meta.CorrelationID)
		return nil, nil
	}

	msg := notify.Message{
		Subject:  fmt.Sprintf("Maintenance scheduled: %s", task.EquipmentID),
		Body:     task.Summary,
		Priority: task.Priority,
		Task:     task,
	}

	var deliveries []pipeline.ChannelDelivery
	if a.dispatcher != nil {
		deliveries = a.dispatcher.Dispatch(ctx, msg)
	}

	delivered := 0
	for _, d := range deliveries {
		if d.OK {
			delivered++
		} else {
			a.Logger().Warn("channel delivery failed",
				"channel", d.Channel,
				"error", d.Error,
				"task_id", task.TaskID)
		}
	}

	a.Logger().Info("maintenance logged",
		"task_id", task.TaskID,
		"channels_ok", delivered,
		"channels_total", len(deliveries),
		"correlation_id", meta.CorrelationID)

	record := pipeline.MaintenanceRecord{TaskID: task.TaskID, Deliveries: deliveries}
	return []event.Event{
		event.NewFromMeta(meta, pipeline.TypeMaintenanceLogged, a.ID(), record),
	}, nil
}
