package agents

import (
	"context"
	"errors"
	"math"

	"github.com/sony/gobreaker"

	"github.com/sentriq/maintflow/pkg/maintflow/agent"
	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
	"github.com/sentriq/maintflow/pkg/maintflow/rules"
	"github.com/sentriq/maintflow/pkg/maintflow/store"
)

// ValidationConfig configures the validation agent.
type ValidationConfig struct {
	// WindowSize is how many historical readings to consider.
	// Default: 20
	WindowSize int

	// MinHistory is the minimum history below which the historical
	// signal is neutral and the result is marked insufficient.
	// Default: 5
	MinHistory int

	// RecurrenceThreshold is the fraction of past anomalies at which an
	// anomaly starts looking like a chronic false positive. Default: 0.25
	RecurrenceThreshold float64

	// RecurrencePenalty is subtracted from confidence when recurrence
	// crosses the threshold. Default: 0.45
	RecurrencePenalty float64

	// RuleWeight is the rule score's share of the confidence; history
	// contributes the rest. Default: 0.6
	RuleWeight float64

	// CredibleThreshold is the confidence at or above which the anomaly
	// is credible. Default: 0.7
	CredibleThreshold float64

	// FalsePositiveThreshold is the confidence below which a false
	// positive is suspected. Default: 0.4
	FalsePositiveThreshold float64
}

// DefaultValidationConfig returns the standard validation thresholds.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		WindowSize:             20,
		MinHistory:             5,
		RecurrenceThreshold:    0.25,
		RecurrencePenalty:      0.45,
		RuleWeight:             0.6,
		CredibleThreshold:      0.7,
		FalsePositiveThreshold: 0.4,
	}
}

// Validation cross-checks detected anomalies against the rule engine
// and the sensor's reading history, then classifies them as credible,
// suspected false positive, or needing investigation.
//
// The history store sits behind a circuit breaker: when it is down the
// agent validates on rules alone with a neutral historical signal
// rather than stalling the pipeline.
type Validation struct {
	*agent.BaseAgent
	cfg     ValidationConfig
	engine  rules.Engine
	history store.ReadingHistory
	breaker *gobreaker.CircuitBreaker
}

// NewValidation creates the validation agent.
func NewValidation(
	base agent.BaseConfig,
	cfg ValidationConfig,
	engine rules.Engine,
	history store.ReadingHistory,
) (*Validation, error) {
	if base.ID == "" {
		base.ID = "validation-agent"
	}
	defaults := DefaultValidationConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = defaults.MinHistory
	}
	if cfg.RecurrenceThreshold <= 0 {
		cfg.RecurrenceThreshold = defaults.RecurrenceThreshold
	}
	if cfg.RecurrencePenalty <= 0 {
		cfg.RecurrencePenalty = defaults.RecurrencePenalty
	}
	if cfg.RuleWeight <= 0 || cfg.RuleWeight > 1 {
		cfg.RuleWeight = defaults.RuleWeight
	}
	if cfg.CredibleThreshold <= 0 {
		cfg.CredibleThreshold = defaults.CredibleThreshold
	}
	if cfg.FalsePositiveThreshold <= 0 {
		cfg.FalsePositiveThreshold = defaults.FalsePositiveThreshold
	}

	a := &Validation{
		BaseAgent: agent.NewBase(base),
		cfg:       cfg,
		engine:    engine,
		history:   history,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "reading-history",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}

	err := a.Handle(pipeline.TypeAnomalyDetected,
		event.TypedHandler(a.onAnomaly),
		event.WithEmits(pipeline.TypeAnomalyValidated))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Validation) onAnomaly(ctx context.Context, anomaly pipeline.Anomaly, meta event.Metadata) ([]event.Event, error) {
	result, err := a.validate(ctx, anomaly)
	if err != nil {
		return nil, err
	}

	a.Logger().Info("anomaly validated",
		"sensor_id", anomaly.Reading.SensorID,
		"decision", result.Decision,
		"confidence", result.Confidence,
		"recurrence", result.Recurrence,
		"correlation_id", meta.CorrelationID)

	return []event.Event{
		event.NewFromMeta(meta, pipeline.TypeAnomalyValidated, a.ID(), result),
	}, nil
}

// validate computes the validation result. Only transient dependency
// failures propagate as errors; everything else resolves to a decision
// so the workflow always advances.
func (a *Validation) validate(ctx context.Context, anomaly pipeline.Anomaly) (pipeline.ValidationResult, error) {
	result := pipeline.ValidationResult{Anomaly: anomaly}

	ruleScore, err := a.engine.Evaluate(anomaly)
	if err != nil {
		// Rule evaluation errors are deterministic: retrying cannot fix
		// them, and dropping the anomaly would hide a real fault. Route
		// it to a human instead.
		a.Logger().Error("rule evaluation failed", "error", err,
			"sensor_id", anomaly.Reading.SensorID)
		result.Decision = pipeline.DecisionNeedsInvestigation
		result.ValidationError = true
		return result, nil
	}
	result.RuleScore = ruleScore

	window, histErr := a.fetchHistory(ctx, anomaly.Reading.SensorID)
	if histErr != nil {
		if mferrors.IsRetryable(histErr) {
			return result, histErr
		}
		// Breaker open or permanent store failure: validate on rules
		// alone with a neutral historical signal.
		a.Logger().Warn("history unavailable, validating on rules alone",
			"sensor_id", anomaly.Reading.SensorID, "error", histErr)
		window = nil
	}

	// The newest entry is the reading under validation; recurrence and
	// stability are measured against what came before it.
	var prior []store.Reading
	if len(window) > 0 {
		prior = window[1:]
	}

	historyConf := 0.5
	switch {
	case len(prior) < a.cfg.MinHistory:
		result.InsufficientData = true

	default:
		result.Recurrence = recurrenceOf(prior)
		if result.Recurrence < a.cfg.RecurrenceThreshold && stableJump(prior, anomaly.Reading.Value) {
			// A clean jump out of a stable baseline is the strongest
			// historical evidence a real fault is developing.
			historyConf = 0.9
		}
	}

	confidence := a.cfg.RuleWeight*ruleScore + (1-a.cfg.RuleWeight)*historyConf
	if !result.InsufficientData && result.Recurrence >= a.cfg.RecurrenceThreshold {
		confidence -= a.cfg.RecurrencePenalty
	}
	if confidence < 0 {
		confidence = 0
	}
	result.Confidence = confidence

	switch {
	case confidence >= a.cfg.CredibleThreshold:
		result.Decision = pipeline.DecisionCredible
	case confidence < a.cfg.FalsePositiveThreshold:
		result.Decision = pipeline.DecisionFalsePositive
	default:
		result.Decision = pipeline.DecisionNeedsInvestigation
	}
	return result, nil
}

// fetchHistory reads the recent window through the circuit breaker.
func (a *Validation) fetchHistory(ctx context.Context, sensorID string) ([]store.Reading, error) {
	if a.history == nil {
		return nil, nil
	}

	window, err := a.breaker.Execute(func() (any, error) {
		return a.history.RecentReadings(ctx, sensorID, a.cfg.WindowSize)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, mferrors.Degraded(err, "reading history breaker open")
		}
		return nil, err
	}
	readings, _ := window.([]store.Reading)
	return readings, nil
}

// recurrenceOf is the fraction of prior readings flagged anomalous.
func recurrenceOf(prior []store.Reading) float64 {
	if len(prior) == 0 {
		return 0
	}
	anomalous := 0
	for _, r := range prior {
		if r.Anomalous {
			anomalous++
		}
	}
	return float64(anomalous) / float64(len(prior))
}

// stableJump reports whether prior values form a stable baseline the
// current value jumps decisively out of.
func stableJump(prior []store.Reading, current float64) bool {
	if len(prior) == 0 {
		return false
	}

	var mean float64
	for _, r := range prior {
		mean += r.Value
	}
	mean /= float64(len(prior))
	if mean == 0 {
		return false
	}

	var variance float64
	for _, r := range prior {
		variance += (r.Value - mean) * (r.Value - mean)
	}
	variance /= float64(len(prior))
	std := math.Sqrt(variance)

	stable := std/math.Abs(mean) < 0.1
	jump := current > 1.5*mean
	return stable && jump
}
