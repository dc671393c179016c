// Package orchestrator tracks every in-flight workflow through an
// explicit stage machine and decides the automated vs. human path for
// validated anomalies.
//
// The orchestrator is driven purely by observed events; it never polls
// agents. Stages advance monotonically, so redelivered events are
// no-ops, and every workflow reaches an observable terminal stage:
// logged, closed as a false positive, or timed out against the SLA.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sentriq/maintflow/pkg/maintflow/agent"
	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/observability"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
	"github.com/sentriq/maintflow/pkg/maintflow/store"
)

// ErrWorkflowNotFound is returned when querying an unknown workflow.
type ErrWorkflowNotFound struct {
	CorrelationID string
}

// Error implements the error interface.
func (e *ErrWorkflowNotFound) Error() string {
	return fmt.Sprintf("workflow not found: %s", e.CorrelationID)
}

// Config configures the orchestrator.
type Config struct {
	// SLA is the deadline for a workflow to reach a terminal stage.
	// Default: 90s
	SLA time.Duration

	// TickInterval is how often the deadline watcher scans.
	// Default: 1s
	TickInterval time.Duration

	// HistorySize bounds the ring of terminal workflow states kept for
	// queries. Default: 256
	HistorySize int

	// CriticalEscalationConfidence is the confidence below which a
	// credible anomaly on critical equipment still goes to a human.
	// Default: 0.9
	CriticalEscalationConfidence float64

	// TerminalTTL is how long a closed workflow's correlation ID stays
	// remembered so late redeliveries stay no-ops even after the state
	// has left the history ring. Default: 10m
	TerminalTTL time.Duration

	// Metrics records workflow-level metrics. Default: NoopMetrics.
	Metrics observability.MetricsRecorder
}

// DefaultConfig returns the standard orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		SLA:                          90 * time.Second,
		TickInterval:                 time.Second,
		HistorySize:                  256,
		CriticalEscalationConfidence: 0.9,
		TerminalTTL:                  10 * time.Minute,
	}
}

// WorkflowState is the queryable view of one workflow. It is always a
// copy; callers never share orchestrator internals.
type WorkflowState struct {
	CorrelationID string
	Stage         Stage
	StartedAt     time.Time
	UpdatedAt     time.Time
	Deadline      time.Time
	Decisions     []store.DecisionRecord
}

// workflow is the internal mutable state.
type workflow struct {
	correlationID string
	stage         Stage
	startedAt     time.Time
	updatedAt     time.Time
	deadline      time.Time
	lastEventID   string
	validation    *pipeline.ValidationResult // set when awaiting a human
	decisions     []store.DecisionRecord
}

func (w *workflow) state() WorkflowState {
	return WorkflowState{
		CorrelationID: w.correlationID,
		Stage:         w.stage,
		StartedAt:     w.startedAt,
		UpdatedAt:     w.updatedAt,
		Deadline:      w.deadline,
		Decisions:     append([]store.DecisionRecord(nil), w.decisions...),
	}
}

// Orchestrator is the decision coordinator.
type Orchestrator struct {
	*agent.BaseAgent
	cfg       Config
	decisions store.DecisionLog

	mu       sync.Mutex
	active   map[string]*workflow
	history  []WorkflowState      // terminal states, bounded ring
	terminal map[string]time.Time // closed correlation IDs, TTL-pruned
	watchCh  chan struct{}
	watchWG  sync.WaitGroup
	now      func() time.Time
}

// New creates the orchestrator and registers its subscriptions. The
// decision log is optional.
func New(base agent.BaseConfig, cfg Config, decisions store.DecisionLog) (*Orchestrator, error) {
	if base.ID == "" {
		base.ID = "orchestrator"
	}
	defaults := DefaultConfig()
	if cfg.SLA <= 0 {
		cfg.SLA = defaults.SLA
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaults.TickInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}
	if cfg.CriticalEscalationConfidence <= 0 {
		cfg.CriticalEscalationConfidence = defaults.CriticalEscalationConfidence
	}
	if cfg.TerminalTTL <= 0 {
		cfg.TerminalTTL = defaults.TerminalTTL
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}

	o := &Orchestrator{
		BaseAgent: agent.NewBase(base),
		cfg:       cfg,
		decisions: decisions,
		active:    make(map[string]*workflow),
		terminal:  make(map[string]time.Time),
		now:       time.Now,
	}

	subscriptions := []struct {
		eventType string
		handler   event.Handler
		opts      []event.SubscribeOption
	}{
		{pipeline.TypeSensorDataReceived, o.observe(StageReceived), nil},
		{pipeline.TypeDataProcessed, o.observe(StageProcessed), nil},
		{pipeline.TypeAnomalyDetected, o.observe(StageAnomalyDetected), nil},
		{pipeline.TypeAnomalyValidated, event.TypedHandler(o.onValidated),
			[]event.SubscribeOption{event.WithEmits(pipeline.TypeDecisionApproved, pipeline.TypeHumanDecisionRequired)}},
		{pipeline.TypeHumanDecisionResponse, event.TypedHandler(o.onHumanResponse),
			[]event.SubscribeOption{event.WithEmits(pipeline.TypeDecisionApproved)}},
		{pipeline.TypeMaintenancePredicted, o.observe(StagePredicted), nil},
		{pipeline.TypeMaintenanceScheduled, o.observe(StageScheduled), nil},
		{pipeline.TypeMaintenanceLogged, o.observe(StageLogged), nil},
	}
	for _, s := range subscriptions {
		if err := o.Handle(s.eventType, s.handler, s.opts...); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Start starts the agent base and the deadline watcher.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.BaseAgent.Start(ctx); err != nil {
		return err
	}

	o.mu.Lock()
	if o.watchCh == nil {
		o.watchCh = make(chan struct{})
		o.watchWG.Add(1)
		go o.watchDeadlines(o.watchCh)
	}
	o.mu.Unlock()
	return nil
}

// Stop stops the deadline watcher and the agent base.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.watchCh != nil {
		close(o.watchCh)
		o.watchCh = nil
	}
	o.mu.Unlock()
	o.watchWG.Wait()

	return o.BaseAgent.Stop(ctx)
}

// WorkflowState returns a copy of a workflow's state, active or
// terminal.
func (o *Orchestrator) WorkflowState(correlationID string) (WorkflowState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if w, ok := o.active[correlationID]; ok {
		return w.state(), nil
	}
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].CorrelationID == correlationID {
			return o.history[i], nil
		}
	}
	return WorkflowState{}, &ErrWorkflowNotFound{CorrelationID: correlationID}
}

// Active returns the number of in-flight workflows.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// observe returns a handler that advances the workflow to the stage
// and emits nothing.
func (o *Orchestrator) observe(stage Stage) event.Handler {
	return event.HandlerFunc(func(_ context.Context, evt event.Event) ([]event.Event, error) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.advanceLocked(evt.CorrelationID(), evt.ID(), stage)
		return nil, nil
	})
}

// onValidated applies the decision policy to a validated anomaly.
func (o *Orchestrator) onValidated(ctx context.Context, result pipeline.ValidationResult, meta event.Metadata) ([]event.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.isTerminalLocked(meta.CorrelationID) {
		return nil, nil
	}
	w := o.workflowLocked(meta.CorrelationID, meta.EventID)
	if w.stage >= StageValidated {
		// Redelivery; the decision was already made.
		return nil, nil
	}
	o.advanceLocked(meta.CorrelationID, meta.EventID, StageValidated)

	switch o.policy(result) {
	case pipeline.DecisionFalsePositive:
		o.recordLocked(ctx, w, "automated",
			string(pipeline.DecisionFalsePositive),
			fmt.Sprintf("confidence %.2f below threshold", result.Confidence))
		o.terminateLocked(w, StageClosedFalsePositive)
		return nil, nil

	case pipeline.DecisionCredible:
		o.advanceLocked(meta.CorrelationID, meta.EventID, StageApproved)
		o.recordLocked(ctx, w, "automated", "approved",
			fmt.Sprintf("confidence %.2f, criticality %s", result.Confidence, result.Anomaly.Criticality))
		approved := pipeline.ApprovedDecision{Validation: result, Actor: "automated"}
		return []event.Event{
			event.NewFromMeta(meta, pipeline.TypeDecisionApproved, o.ID(), approved),
		}, nil

	default:
		o.advanceLocked(meta.CorrelationID, meta.EventID, StageAwaitingHuman)
		w.validation = &result
		o.recordLocked(ctx, w, "automated", "escalated", escalationReason(result))
		request := pipeline.HumanDecisionRequest{
			Validation: result,
			Reason:     escalationReason(result),
			Deadline:   w.deadline,
		}
		return []event.Event{
			event.NewFromMeta(meta, pipeline.TypeHumanDecisionRequired, o.ID(), request),
		}, nil
	}
}

// policy maps a validation result to the path it takes: false positive
// closes, credible proceeds, everything else goes to a human. Critical
// equipment gets a human unless confidence is very high.
func (o *Orchestrator) policy(result pipeline.ValidationResult) pipeline.Decision {
	switch result.Decision {
	case pipeline.DecisionFalsePositive:
		return pipeline.DecisionFalsePositive
	case pipeline.DecisionCredible:
		if result.Anomaly.Criticality == pipeline.CriticalityCritical &&
			result.Confidence < o.cfg.CriticalEscalationConfidence {
			return pipeline.DecisionNeedsInvestigation
		}
		return pipeline.DecisionCredible
	default:
		return pipeline.DecisionNeedsInvestigation
	}
}

func escalationReason(result pipeline.ValidationResult) string {
	switch {
	case result.ValidationError:
		return "validation error"
	case result.Anomaly.Criticality == pipeline.CriticalityCritical:
		return fmt.Sprintf("critical equipment, confidence %.2f", result.Confidence)
	default:
		return fmt.Sprintf("needs investigation, confidence %.2f", result.Confidence)
	}
}

// onHumanResponse resumes or closes an escalated workflow. Responses
// for workflows that already timed out or closed are no-ops.
func (o *Orchestrator) onHumanResponse(ctx context.Context, response pipeline.HumanDecisionResponse, meta event.Metadata) ([]event.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	w, ok := o.active[meta.CorrelationID]
	if !ok || w.stage != StageAwaitingHuman {
		o.Logger().Info("late or unmatched human response ignored",
			"correlation_id", meta.CorrelationID,
			"operator", response.Operator)
		return nil, nil
	}

	actor := "human:" + response.Operator
	if !response.Approved {
		o.recordLocked(ctx, w, actor, "rejected", response.Comment)
		o.terminateLocked(w, StageClosedFalsePositive)
		return nil, nil
	}

	validation := pipeline.ValidationResult{}
	if w.validation != nil {
		validation = *w.validation
	}
	o.advanceLocked(meta.CorrelationID, meta.EventID, StageApproved)
	o.recordLocked(ctx, w, actor, "approved", response.Comment)

	approved := pipeline.ApprovedDecision{Validation: validation, Actor: actor}
	return []event.Event{
		event.NewFromMeta(meta, pipeline.TypeDecisionApproved, o.ID(), approved),
	}, nil
}

// workflowLocked returns the workflow for a correlation ID, creating
// it on first sight.
func (o *Orchestrator) workflowLocked(correlationID, eventID string) *workflow {
	if w, ok := o.active[correlationID]; ok {
		return w
	}
	now := o.now()
	w := &workflow{
		correlationID: correlationID,
		startedAt:     now,
		updatedAt:     now,
		deadline:      now.Add(o.cfg.SLA),
		lastEventID:   eventID,
	}
	o.active[correlationID] = w
	return w
}

// advanceLocked moves a workflow forward; backward or repeated stages
// are no-ops. Terminal workflows never advance again.
func (o *Orchestrator) advanceLocked(correlationID, eventID string, stage Stage) {
	w, ok := o.active[correlationID]
	if !ok {
		if o.isTerminalLocked(correlationID) {
			return
		}
		w = o.workflowLocked(correlationID, eventID)
	}
	if w.stage >= stage {
		return
	}

	w.stage = stage
	w.updatedAt = o.now()
	w.lastEventID = eventID

	o.Logger().Debug("workflow advanced",
		"correlation_id", correlationID,
		"stage", stage.String())

	if stage.Terminal() {
		o.terminateLocked(w, stage)
	}
}

// isTerminalLocked reports whether a workflow already closed. The
// terminal set outlives the history ring, so redeliveries stay no-ops
// even after the state itself has been evicted.
func (o *Orchestrator) isTerminalLocked(correlationID string) bool {
	_, ok := o.terminal[correlationID]
	return ok
}

// terminateLocked moves a workflow to the bounded history ring and
// remembers its correlation ID in the terminal set.
func (o *Orchestrator) terminateLocked(w *workflow, stage Stage) {
	w.stage = stage
	w.updatedAt = o.now()
	delete(o.active, w.correlationID)
	o.terminal[w.correlationID] = w.updatedAt

	o.history = append(o.history, w.state())
	if len(o.history) > o.cfg.HistorySize {
		o.history = o.history[len(o.history)-o.cfg.HistorySize:]
	}

	duration := w.updatedAt.Sub(w.startedAt)
	o.cfg.Metrics.RecordWorkflowClosed(context.Background(), stage.String(), duration)
	o.Logger().Info("workflow closed",
		"correlation_id", w.correlationID,
		"stage", stage.String(),
		"duration", duration)
}

// recordLocked appends to the decision history and persists it.
func (o *Orchestrator) recordLocked(ctx context.Context, w *workflow, actor, decision, detail string) {
	record := store.DecisionRecord{
		CorrelationID: w.correlationID,
		Stage:         w.stage.String(),
		Decision:      decision,
		Actor:         actor,
		Detail:        detail,
		DecidedAt:     o.now(),
	}
	w.decisions = append(w.decisions, record)

	if o.decisions != nil {
		if err := o.decisions.SaveDecision(ctx, record); err != nil {
			o.Logger().Warn("decision persist failed",
				"correlation_id", w.correlationID, "error", err)
		}
	}
}

// watchDeadlines moves overdue workflows to timed_out.
func (o *Orchestrator) watchDeadlines(stopCh chan struct{}) {
	defer o.watchWG.Done()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.expireOverdue()
		case <-stopCh:
			return
		}
	}
}

func (o *Orchestrator) expireOverdue() {
	now := o.now()

	type timedOut struct {
		correlationID string
		lastStage     string
		lastEventID   string
	}

	o.mu.Lock()
	for id, closedAt := range o.terminal {
		if now.Sub(closedAt) > o.cfg.TerminalTTL {
			delete(o.terminal, id)
		}
	}
	var expired []*workflow
	for _, w := range o.active {
		if now.After(w.deadline) {
			expired = append(expired, w)
		}
	}
	notices := make([]timedOut, 0, len(expired))
	for _, w := range expired {
		o.recordLocked(context.Background(), w, "automated", "timed_out",
			fmt.Sprintf("SLA %s exceeded at stage %s", o.cfg.SLA, w.stage.String()))
		notices = append(notices, timedOut{
			correlationID: w.correlationID,
			lastStage:     w.stage.String(),
			lastEventID:   w.lastEventID,
		})
		o.terminateLocked(w, StageTimedOut)
	}
	o.mu.Unlock()

	// Publish outside the lock; a slow bus must not stall the watcher.
	for _, n := range notices {
		notice := event.New(pipeline.TypeWorkflowTimedOut, o.ID(),
			pipeline.TimedOut{
				CorrelationID: n.correlationID,
				LastStage:     n.lastStage,
			},
			event.WithCorrelationID(n.correlationID),
			event.WithCausationID(n.lastEventID))
		if err := o.Bus().Publish(context.Background(), notice); err != nil {
			o.Logger().Warn("timed_out publish failed",
				"correlation_id", n.correlationID, "error", err)
		}
	}
}
