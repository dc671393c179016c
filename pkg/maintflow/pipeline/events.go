// Package pipeline defines the event vocabulary of the predictive
// maintenance workflow: type constants, payload structs, and schemas.
//
// The canonical chain is:
//
//	sensor.data_received -> data.processed -> anomaly.detected ->
//	anomaly.validated -> decision.approved -> maintenance.predicted ->
//	maintenance.scheduled -> maintenance.logged
//
// with decision.human_required / decision.human_response branching in
// when the orchestrator escalates. Every event in one workflow carries
// the correlation ID of the triggering reading.
package pipeline

import "time"

// Event type constants.
const (
	TypeSensorDataReceived    = "sensor.data_received"
	TypeDataProcessed         = "data.processed"
	TypeAnomalyDetected       = "anomaly.detected"
	TypeAnomalyValidated      = "anomaly.validated"
	TypeDecisionApproved      = "decision.approved"
	TypeHumanDecisionRequired = "decision.human_required"
	TypeHumanDecisionResponse = "decision.human_response"
	TypeMaintenancePredicted  = "maintenance.predicted"
	TypeMaintenanceScheduled  = "maintenance.scheduled"
	TypeMaintenanceLogged     = "maintenance.logged"
	TypeWorkflowTimedOut      = "workflow.timed_out"
)

// Criticality classifies how important a piece of equipment is.
type Criticality string

// Criticality levels.
const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Decision is the outcome of anomaly validation.
type Decision string

// Validation decisions.
const (
	DecisionCredible           Decision = "credible_anomaly"
	DecisionFalsePositive      Decision = "false_positive_suspected"
	DecisionNeedsInvestigation Decision = "further_investigation_needed"
)

// SensorReading is the payload of sensor.data_received.
type SensorReading struct {
	SensorID    string    `json:"sensor_id"`
	EquipmentID string    `json:"equipment_id"`
	SensorType  string    `json:"sensor_type"`
	Unit        string    `json:"unit,omitempty"`
	Value       float64   `json:"value"`
	Threshold   float64   `json:"threshold"`
	ReadAt      time.Time `json:"read_at"`
}

// ProcessedReading is the payload of data.processed: the raw reading
// validated and enriched by the acquisition agent.
type ProcessedReading struct {
	Reading     SensorReading `json:"reading"`
	Criticality Criticality   `json:"criticality"`
	Normalized  float64       `json:"normalized"` // value / threshold
}

// Anomaly is the payload of anomaly.detected.
type Anomaly struct {
	Reading     SensorReading `json:"reading"`
	Criticality Criticality   `json:"criticality"`
	Score       float64       `json:"score"`
	Threshold   float64       `json:"threshold"` // decision threshold the score crossed
	Method      string        `json:"method"`    // e.g. "model:vibration-v3" or "zscore"
	Degraded    bool          `json:"degraded"`  // statistical fallback was used
}

// ValidationResult is the payload of anomaly.validated.
type ValidationResult struct {
	Anomaly          Anomaly  `json:"anomaly"`
	Decision         Decision `json:"decision"`
	Confidence       float64  `json:"confidence"`
	RuleScore        float64  `json:"rule_score"`
	Recurrence       float64  `json:"recurrence"` // fraction of similar past anomalies
	InsufficientData bool     `json:"insufficient_data,omitempty"`
	ValidationError  bool     `json:"validation_error,omitempty"`
}

// ApprovedDecision is the payload of decision.approved, emitted by the
// orchestrator when a validated anomaly may proceed to prediction.
type ApprovedDecision struct {
	Validation ValidationResult `json:"validation"`
	Actor      string           `json:"actor"` // "automated" or "human:<operator>"
}

// HumanDecisionRequest is the payload of decision.human_required.
type HumanDecisionRequest struct {
	Validation ValidationResult `json:"validation"`
	Reason     string           `json:"reason"`
	Deadline   time.Time        `json:"deadline"`
}

// HumanDecisionResponse is the payload of decision.human_response.
type HumanDecisionResponse struct {
	Approved bool   `json:"approved"`
	Operator string `json:"operator"`
	Comment  string `json:"comment,omitempty"`
}

// Prediction is the payload of maintenance.predicted.
type Prediction struct {
	SensorID           string      `json:"sensor_id"`
	EquipmentID        string      `json:"equipment_id"`
	Criticality        Criticality `json:"criticality"`
	PredictedFailureAt time.Time   `json:"predicted_failure_at"`
	Confidence         float64     `json:"confidence"`
}

// ScheduledTask is the payload of maintenance.scheduled.
type ScheduledTask struct {
	TaskID      string      `json:"task_id"`
	EquipmentID string      `json:"equipment_id"`
	SensorID    string      `json:"sensor_id"`
	Priority    string      `json:"priority"` // "urgent", "high", "routine"
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`
	Criticality Criticality `json:"criticality"`
	Summary     string      `json:"summary"`
}

// ChannelDelivery records one notification channel's delivery result.
type ChannelDelivery struct {
	Channel string    `json:"channel"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// MaintenanceRecord is the payload of maintenance.logged, closing the loop.
type MaintenanceRecord struct {
	TaskID     string            `json:"task_id"`
	Deliveries []ChannelDelivery `json:"deliveries"`
}

// TimedOut is the payload of workflow.timed_out.
type TimedOut struct {
	CorrelationID string `json:"correlation_id"`
	LastStage     string `json:"last_stage"`
}
