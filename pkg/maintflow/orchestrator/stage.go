package orchestrator

// Stage is a workflow's position in the pipeline state machine.
//
// The order is monotonic: observed events only ever move a workflow
// forward. An event mapping to the current or an earlier stage is a
// redelivery and becomes a no-op.
type Stage int

// Workflow stages, in pipeline order.
const (
	StageUnknown Stage = iota
	StageReceived
	StageProcessed
	StageAnomalyDetected
	StageValidated
	StageAwaitingHuman
	StageApproved
	StagePredicted
	StageScheduled
	StageLogged
	StageClosedFalsePositive
	StageTimedOut
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageProcessed:
		return "processed"
	case StageAnomalyDetected:
		return "anomaly_detected"
	case StageValidated:
		return "validated"
	case StageAwaitingHuman:
		return "escalated_to_human"
	case StageApproved:
		return "auto_approved"
	case StagePredicted:
		return "predicted"
	case StageScheduled:
		return "scheduled"
	case StageLogged:
		return "logged"
	case StageClosedFalsePositive:
		return "closed_false_positive"
	case StageTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the stage ends the workflow.
func (s Stage) Terminal() bool {
	switch s {
	case StageLogged, StageClosedFalsePositive, StageTimedOut:
		return true
	}
	return false
}
