package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sentriq/maintflow/pkg/maintflow/agent"
	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/observability"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
	"github.com/sentriq/maintflow/pkg/maintflow/store"
)

func newTestOrchestrator(t *testing.T, bus event.Bus, decisions store.DecisionLog) *Orchestrator {
	t.Helper()
	o, err := New(agent.BaseConfig{Bus: bus}, Config{}, decisions)
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	return o
}

func validated(decision pipeline.Decision, confidence float64, criticality pipeline.Criticality) pipeline.ValidationResult {
	return pipeline.ValidationResult{
		Anomaly: pipeline.Anomaly{
			Reading: pipeline.SensorReading{
				SensorID:    "S1",
				EquipmentID: "EQ-1",
				SensorType:  "vibration",
				Value:       250,
				Threshold:   100,
			},
			Criticality: criticality,
			Score:       0.9,
		},
		Decision:   decision,
		Confidence: confidence,
		RuleScore:  1.0,
	}
}

func metaFor(correlationID, eventID string) event.Metadata {
	return event.Metadata{
		EventID:       eventID,
		EventType:     pipeline.TypeAnomalyValidated,
		EventSource:   "validation-agent",
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
		SchemaVersion: 1,
	}
}

func TestCredibleAnomalyAutoApproved(t *testing.T) {
	mem := store.NewMemoryStore()
	o := newTestOrchestrator(t, nil, mem)
	ctx := context.Background()

	derived, err := o.onValidated(ctx,
		validated(pipeline.DecisionCredible, 0.85, pipeline.CriticalityHigh),
		metaFor("wf-1", "evt-1"))
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if len(derived) != 1 {
		t.Fatalf("got %d derived events, want 1", len(derived))
	}

	evt := derived[0]
	if evt.Type() != pipeline.TypeDecisionApproved {
		t.Errorf("Type = %s", evt.Type())
	}
	if evt.CorrelationID() != "wf-1" {
		t.Errorf("CorrelationID = %s", evt.CorrelationID())
	}
	approved := evt.Data().(pipeline.ApprovedDecision)
	if approved.Actor != "automated" {
		t.Errorf("Actor = %s", approved.Actor)
	}

	state, err := o.WorkflowState("wf-1")
	if err != nil {
		t.Fatalf("state query failed: %v", err)
	}
	if state.Stage != StageApproved {
		t.Errorf("Stage = %s, want approved", state.Stage)
	}

	records, _ := mem.DecisionsByWorkflow(ctx, "wf-1")
	if len(records) != 1 || records[0].Decision != "approved" {
		t.Errorf("decision history = %+v", records)
	}
}

func TestFalsePositiveClosesWorkflow(t *testing.T) {
	o := newTestOrchestrator(t, nil, store.NewMemoryStore())

	derived, err := o.onValidated(context.Background(),
		validated(pipeline.DecisionFalsePositive, 0.3, pipeline.CriticalityMedium),
		metaFor("wf-1", "evt-1"))
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if len(derived) != 0 {
		t.Errorf("false positive emitted %d events", len(derived))
	}

	state, err := o.WorkflowState("wf-1")
	if err != nil {
		t.Fatalf("terminal state not queryable: %v", err)
	}
	if state.Stage != StageClosedFalsePositive {
		t.Errorf("Stage = %s, want closed_false_positive", state.Stage)
	}
	if o.Active() != 0 {
		t.Errorf("Active() = %d, want 0", o.Active())
	}
}

func TestCriticalEquipmentEscalatesOnModestConfidence(t *testing.T) {
	o := newTestOrchestrator(t, nil, store.NewMemoryStore())

	// Credible, but critical equipment below the auto-approve bar.
	derived, err := o.onValidated(context.Background(),
		validated(pipeline.DecisionCredible, 0.8, pipeline.CriticalityCritical),
		metaFor("wf-1", "evt-1"))
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if len(derived) != 1 {
		t.Fatalf("got %d derived events, want 1", len(derived))
	}

	evt := derived[0]
	if evt.Type() != pipeline.TypeHumanDecisionRequired {
		t.Errorf("Type = %s, want human_required", evt.Type())
	}
	request := evt.Data().(pipeline.HumanDecisionRequest)
	if request.Deadline.IsZero() {
		t.Error("escalation carries no deadline")
	}

	state, _ := o.WorkflowState("wf-1")
	if state.Stage != StageAwaitingHuman {
		t.Errorf("Stage = %s, want awaiting human", state.Stage)
	}
}

func TestHumanApprovalResumesWorkflow(t *testing.T) {
	o := newTestOrchestrator(t, nil, store.NewMemoryStore())
	ctx := context.Background()

	if _, err := o.onValidated(ctx,
		validated(pipeline.DecisionNeedsInvestigation, 0.5, pipeline.CriticalityHigh),
		metaFor("wf-1", "evt-1")); err != nil {
		t.Fatalf("escalation failed: %v", err)
	}

	derived, err := o.onHumanResponse(ctx,
		pipeline.HumanDecisionResponse{Approved: true, Operator: "rios"},
		metaFor("wf-1", "evt-2"))
	if err != nil {
		t.Fatalf("response failed: %v", err)
	}
	if len(derived) != 1 {
		t.Fatalf("got %d derived events, want 1", len(derived))
	}

	approved := derived[0].Data().(pipeline.ApprovedDecision)
	if approved.Actor != "human:rios" {
		t.Errorf("Actor = %s", approved.Actor)
	}
	// The stashed validation result rides along to prediction.
	if approved.Validation.Anomaly.Reading.SensorID != "S1" {
		t.Error("validation result not carried into the approval")
	}
}

func TestHumanRejectionClosesWorkflow(t *testing.T) {
	o := newTestOrchestrator(t, nil, store.NewMemoryStore())
	ctx := context.Background()

	if _, err := o.onValidated(ctx,
		validated(pipeline.DecisionNeedsInvestigation, 0.5, pipeline.CriticalityHigh),
		metaFor("wf-1", "evt-1")); err != nil {
		t.Fatalf("escalation failed: %v", err)
	}

	derived, err := o.onHumanResponse(ctx,
		pipeline.HumanDecisionResponse{Approved: false, Operator: "rios", Comment: "sensor swap last week"},
		metaFor("wf-1", "evt-2"))
	if err != nil {
		t.Fatalf("response failed: %v", err)
	}
	if len(derived) != 0 {
		t.Errorf("rejection emitted %d events", len(derived))
	}

	state, _ := o.WorkflowState("wf-1")
	if state.Stage != StageClosedFalsePositive {
		t.Errorf("Stage = %s, want closed_false_positive", state.Stage)
	}
}

func TestUnmatchedHumanResponseIgnored(t *testing.T) {
	o := newTestOrchestrator(t, nil, store.NewMemoryStore())

	derived, err := o.onHumanResponse(context.Background(),
		pipeline.HumanDecisionResponse{Approved: true, Operator: "rios"},
		metaFor("wf-unknown", "evt-1"))
	if err != nil {
		t.Fatalf("response failed: %v", err)
	}
	if len(derived) != 0 {
		t.Error("unmatched response produced events")
	}
}

func TestRedeliveredValidationIsNoOp(t *testing.T) {
	o := newTestOrchestrator(t, nil, store.NewMemoryStore())
	ctx := context.Background()
	result := validated(pipeline.DecisionCredible, 0.85, pipeline.CriticalityHigh)

	first, err := o.onValidated(ctx, result, metaFor("wf-1", "evt-1"))
	if err != nil || len(first) != 1 {
		t.Fatalf("first delivery: %d events, err %v", len(first), err)
	}

	// At-least-once delivery: the same event arrives again. The decision
	// must not be made twice.
	second, err := o.onValidated(ctx, result, metaFor("wf-1", "evt-1"))
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("redelivery emitted %d events", len(second))
	}
}

func TestStagesAdvanceMonotonically(t *testing.T) {
	o := newTestOrchestrator(t, nil, store.NewMemoryStore())
	ctx := context.Background()

	root := event.New(pipeline.TypeSensorDataReceived, "gateway", "x",
		event.WithCorrelationID("wf-1"))
	detected := event.NewFromParent(root, pipeline.TypeAnomalyDetected, "detector", "y")

	if _, err := o.observe(StageAnomalyDetected).Handle(ctx, detected); err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	// The root arrives late; the workflow must not move backward.
	if _, err := o.observe(StageReceived).Handle(ctx, root); err != nil {
		t.Fatalf("observe failed: %v", err)
	}

	state, _ := o.WorkflowState("wf-1")
	if state.Stage != StageAnomalyDetected {
		t.Errorf("Stage = %s, want anomaly_detected", state.Stage)
	}
}

func TestOverdueWorkflowTimesOut(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	timedOut := make(chan event.Event, 1)
	if _, err := bus.Subscribe("observer", pipeline.TypeWorkflowTimedOut, event.HandlerFunc(
		func(_ context.Context, evt event.Event) ([]event.Event, error) {
			timedOut <- evt
			return nil, nil
		})); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	o := newTestOrchestrator(t, bus, store.NewMemoryStore())

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return start }

	if _, err := o.onValidated(context.Background(),
		validated(pipeline.DecisionNeedsInvestigation, 0.5, pipeline.CriticalityHigh),
		metaFor("wf-1", "evt-1")); err != nil {
		t.Fatalf("escalation failed: %v", err)
	}

	// The human never answers and the SLA passes.
	o.now = func() time.Time { return start.Add(5 * time.Minute) }
	o.expireOverdue()

	state, err := o.WorkflowState("wf-1")
	if err != nil {
		t.Fatalf("state query failed: %v", err)
	}
	if state.Stage != StageTimedOut {
		t.Errorf("Stage = %s, want timed_out", state.Stage)
	}

	select {
	case evt := <-timedOut:
		if evt.CorrelationID() != "wf-1" {
			t.Errorf("notice CorrelationID = %s", evt.CorrelationID())
		}
		payload := evt.Data().(pipeline.TimedOut)
		if payload.LastStage != StageAwaitingHuman.String() {
			t.Errorf("LastStage = %s", payload.LastStage)
		}
	case <-time.After(time.Second):
		t.Fatal("workflow.timed_out not published")
	}

	// A response arriving after the timeout changes nothing.
	derived, err := o.onHumanResponse(context.Background(),
		pipeline.HumanDecisionResponse{Approved: true, Operator: "rios"},
		metaFor("wf-1", "evt-2"))
	if err != nil {
		t.Fatalf("late response failed: %v", err)
	}
	if len(derived) != 0 {
		t.Error("late response reopened a timed-out workflow")
	}
	state, _ = o.WorkflowState("wf-1")
	if state.Stage != StageTimedOut {
		t.Errorf("Stage = %s after late response, want timed_out", state.Stage)
	}
}

// recordingMetrics captures workflow-close calls.
type recordingMetrics struct {
	observability.NoopMetrics

	mu       sync.Mutex
	stages   []string
	duration time.Duration
}

func (m *recordingMetrics) RecordWorkflowClosed(_ context.Context, stage string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, stage)
	m.duration = duration
}

func TestClosedWorkflowRecordsMetric(t *testing.T) {
	rec := &recordingMetrics{}
	o, err := New(agent.BaseConfig{}, Config{Metrics: rec}, store.NewMemoryStore())
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return start }

	root := event.New(pipeline.TypeSensorDataReceived, "gateway", "x",
		event.WithCorrelationID("wf-1"))
	if _, err := o.observe(StageReceived).Handle(context.Background(), root); err != nil {
		t.Fatalf("observe failed: %v", err)
	}

	// The workflow closes 30s after it started.
	o.now = func() time.Time { return start.Add(30 * time.Second) }
	if _, err := o.onValidated(context.Background(),
		validated(pipeline.DecisionFalsePositive, 0.3, pipeline.CriticalityMedium),
		metaFor("wf-1", "evt-1")); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.stages) != 1 || rec.stages[0] != StageClosedFalsePositive.String() {
		t.Fatalf("recorded stages = %v", rec.stages)
	}
	if rec.duration != 30*time.Second {
		t.Errorf("recorded duration = %s, want 30s", rec.duration)
	}
}

func TestEvictedTerminalWorkflowStaysClosed(t *testing.T) {
	o, err := New(agent.BaseConfig{}, Config{HistorySize: 1}, store.NewMemoryStore())
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	ctx := context.Background()

	// Close two workflows; the one-slot history ring evicts the first.
	for _, id := range []string{"wf-1", "wf-2"} {
		if _, err := o.onValidated(ctx,
			validated(pipeline.DecisionFalsePositive, 0.3, pipeline.CriticalityMedium),
			metaFor(id, "evt-"+id)); err != nil {
			t.Fatalf("handler failed: %v", err)
		}
	}
	if _, err := o.WorkflowState("wf-1"); err == nil {
		t.Fatal("evicted state still queryable; eviction not exercised")
	}

	// A late redelivery for the evicted workflow must stay a no-op.
	derived, err := o.onValidated(ctx,
		validated(pipeline.DecisionCredible, 0.85, pipeline.CriticalityHigh),
		metaFor("wf-1", "evt-wf-1"))
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if len(derived) != 0 {
		t.Errorf("redelivery for a closed workflow emitted %d events", len(derived))
	}
	if o.Active() != 0 {
		t.Errorf("Active() = %d, closed workflow reopened", o.Active())
	}
}

func TestTerminalSetPrunedAfterTTL(t *testing.T) {
	o, err := New(agent.BaseConfig{}, Config{TerminalTTL: time.Minute}, store.NewMemoryStore())
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}

	start := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return start }

	if _, err := o.onValidated(context.Background(),
		validated(pipeline.DecisionFalsePositive, 0.3, pipeline.CriticalityMedium),
		metaFor("wf-1", "evt-1")); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	o.mu.Lock()
	remembered := o.isTerminalLocked("wf-1")
	o.mu.Unlock()
	if !remembered {
		t.Fatal("closed workflow not remembered")
	}

	o.now = func() time.Time { return start.Add(2 * time.Minute) }
	o.expireOverdue()

	o.mu.Lock()
	remembered = o.isTerminalLocked("wf-1")
	o.mu.Unlock()
	if remembered {
		t.Error("terminal entry survived past its TTL")
	}
}

func TestWorkflowStateNotFound(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil)

	_, err := o.WorkflowState("ghost")
	if err == nil {
		t.Fatal("expected an error")
	}
	var notFound *ErrWorkflowNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("error is %T, want *ErrWorkflowNotFound", err)
	}
}
