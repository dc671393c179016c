package pipeline

import (
	"fmt"

	"github.com/sentriq/maintflow/pkg/maintflow/event"
)

// RegisterSchemas registers every pipeline event type with the schema
// registry. Schemas carry validators for the fields the bus can check
// without understanding payload semantics.
func RegisterSchemas(reg *event.SchemaRegistry) {
	reg.MustRegister(&event.EventSchema{
		Type:        TypeSensorDataReceived,
		Source:      "gateway",
		Version:     1,
		Description: "Raw sensor reading entered the pipeline.",
		PayloadType: SensorReading{},
		Validator:   requireSensorID(func(e event.Event) string { return sensorIDOf(e) }),
	})
	reg.MustRegister(&event.EventSchema{
		Type:        TypeDataProcessed,
		Source:      "acquisition-agent",
		Version:     1,
		Description: "Reading validated, normalized, and enriched.",
		PayloadType: ProcessedReading{},
	})
	reg.MustRegister(&event.EventSchema{
		Type:        TypeAnomalyDetected,
		Source:      "anomaly-detection-agent",
		Version:     1,
		Description: "Combined model plus statistical score crossed the anomaly threshold.",
		PayloadType: Anomaly{},
	})
	reg.MustRegister(&event.EventSchema{
		Type:        TypeAnomalyValidated,
		Source:      "validation-agent",
		Version:     1,
		Description: "Anomaly cross-checked against rules and history.",
		PayloadType: ValidationResult{},
	})
	reg.MustRegister(&event.EventSchema{
		Type:        TypeDecisionApproved,
		Source:      "orchestrator",
		Version:     1,
		Description: "Validated anomaly cleared for prediction, automatically or by a human.",
		PayloadType: ApprovedDecision{},
	})
	reg.MustRegister(&event.EventSchema{
		Type:        TypeHumanDecisionRequired,
		Source:      "orchestrator",
		Version:     1,
		Description: "Workflow blocked awaiting a human decision.",
		PayloadType: HumanDecisionRequest{},
	})
	reg.MustRegister(&event.EventSchema{
		Type:        TypeHumanDecisionResponse,
		Source:      "gateway",
		Version:     1,
		Description: "Operator response to an escalation.",
		PayloadType: HumanDecisionResponse{},
	})
	reg.MustRegister(&event.EventSchema{
		Type:        TypeMaintenancePredicted,
		Source:      "prediction-agent",
		Version:     1,
		Description: "Estimated time to failure for the affected equipment.",
		PayloadType: Prediction{},
	})
	reg.MustRegister(&event.EventSchema{
		Type:        TypeMaintenanceScheduled,
		Source:      "scheduling-agent",
		Version:     1,
		Description: "Maintenance task booked into a work window.",
		PayloadType: ScheduledTask{},
	})
	reg.MustRegister(&event.EventSchema{
		Type:        TypeMaintenanceLogged,
		Source:      "notification-agent",
		Version:     1,
		Description: "Notifications dispatched and the workflow closed.",
		PayloadType: MaintenanceRecord{},
	})
	reg.MustRegister(&event.EventSchema{
		Type:        TypeWorkflowTimedOut,
		Source:      "orchestrator",
		Version:     1,
		Description: "Workflow exceeded its SLA before reaching a terminal stage.",
		PayloadType: TimedOut{},
	})
	reg.MustRegister(&event.EventSchema{
		Type:        event.TypeDeadLettered,
		Source:      "bus",
		Version:     1,
		Description: "An event exhausted delivery attempts and was dead-lettered.",
		PayloadType: event.DeadLetteredPayload{},
	})
}

// requireSensorID validates that the ingestion payload names a sensor.
func requireSensorID(extract func(event.Event) string) func(event.Event) error {
	return func(e event.Event) error {
		if extract(e) == "" {
			return fmt.Errorf("sensor_id is required")
		}
		return nil
	}
}

// sensorIDOf pulls the sensor ID out of a sensor.data_received payload,
// tolerating both typed and JSON-decoded forms.
func sensorIDOf(e event.Event) string {
	switch p := e.Data().(type) {
	case SensorReading:
		return p.SensorID
	case *SensorReading:
		return p.SensorID
	case map[string]any:
		if id, ok := p["sensor_id"].(string); ok {
			return id
		}
	}
	return ""
}
