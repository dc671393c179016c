// Package rules provides the rule engine the validation agent runs over
// a detected anomaly. Each rule scores one aspect of the anomaly's
// credibility in [0, 1]; the engine combines them into a weighted rule
// score. Rules are pure functions of the anomaly so evaluation is cheap
// and deterministic.
package rules

import (
	"fmt"

	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
)

// Rule scores one aspect of an anomaly's credibility.
type Rule interface {
	// Name identifies the rule in logs.
	Name() string

	// Evaluate returns a credibility score in [0, 1].
	Evaluate(a pipeline.Anomaly) (float64, error)
}

// Engine evaluates a set of rules against an anomaly.
type Engine interface {
	// Evaluate returns the combined rule score in [0, 1].
	Evaluate(a pipeline.Anomaly) (float64, error)
}

// WeightedRule pairs a rule with its weight in the combined score.
type WeightedRule struct {
	Rule   Rule
	Weight float64
}

// WeightedEngine combines rule scores by normalized weight.
type WeightedEngine struct {
	rules []WeightedRule
}

// NewWeightedEngine creates an engine over the given rules.
func NewWeightedEngine(rules ...WeightedRule) *WeightedEngine {
	return &WeightedEngine{rules: rules}
}

// NewDefaultEngine returns the standard rule set: threshold exceedance,
// exceedance magnitude, and physical plausibility.
func NewDefaultEngine(bounds map[string]Bounds) *WeightedEngine {
	return NewWeightedEngine(
		WeightedRule{Rule: &ThresholdRule{}, Weight: 0.5},
		WeightedRule{Rule: &MagnitudeRule{}, Weight: 0.3},
		WeightedRule{Rule: &PlausibilityRule{Bounds: bounds}, Weight: 0.2},
	)
}

// Evaluate implements Engine.
func (e *WeightedEngine) Evaluate(a pipeline.Anomaly) (float64, error) {
	if len(e.rules) == 0 {
		return 0, fmt.Errorf("no rules configured")
	}

	var total, weights float64
	for _, wr := range e.rules {
		if wr.Weight <= 0 {
			continue
		}
		score, err := wr.Rule.Evaluate(a)
		if err != nil {
			return 0, fmt.Errorf("rule %s: %w", wr.Rule.Name(), err)
		}
		total += score * wr.Weight
		weights += wr.Weight
	}
	if weights == 0 {
		return 0, fmt.Errorf("no positively weighted rules")
	}
	return total / weights, nil
}

// ThresholdRule scores 1 when the reading actually exceeds its
// configured threshold, 0 otherwise. An anomaly flagged on a reading
// below threshold is a detector artifact.
type ThresholdRule struct{}

// Name implements Rule.
func (r *ThresholdRule) Name() string { return "threshold" }

// Evaluate implements Rule.
func (r *ThresholdRule) Evaluate(a pipeline.Anomaly) (float64, error) {
	if a.Reading.Threshold <= 0 {
		return 0, fmt.Errorf("sensor %s has no positive threshold", a.Reading.SensorID)
	}
	if a.Reading.Value > a.Reading.Threshold {
		return 1, nil
	}
	return 0, nil
}

// MagnitudeRule scores how decisively the reading exceeds its
// threshold. At 1.5x the threshold or beyond the exceedance is
// unambiguous and scores 1; between 1x and 1.5x it scales linearly.
type MagnitudeRule struct{}

// Name implements Rule.
func (r *MagnitudeRule) Name() string { return "magnitude" }

// Evaluate implements Rule.
func (r *MagnitudeRule) Evaluate(a pipeline.Anomaly) (float64, error) {
	if a.Reading.Threshold <= 0 {
		return 0, fmt.Errorf("sensor %s has no positive threshold", a.Reading.SensorID)
	}
	ratio := a.Reading.Value / a.Reading.Threshold
	if ratio <= 1 {
		return 0, nil
	}
	score := (ratio - 1) / 0.5
	if score > 1 {
		score = 1
	}
	return score, nil
}

// Bounds is the physically plausible value range for a sensor type.
type Bounds struct {
	Min float64
	Max float64
}

// PlausibilityRule scores 0 when a reading is outside the physically
// plausible range for its sensor type, which points at a faulty sensor
// rather than failing equipment. Sensor types without configured
// bounds pass.
type PlausibilityRule struct {
	Bounds map[string]Bounds
}

// Name implements Rule.
func (r *PlausibilityRule) Name() string { return "plausibility" }

// Evaluate implements Rule.
func (r *PlausibilityRule) Evaluate(a pipeline.Anomaly) (float64, error) {
	b, ok := r.Bounds[a.Reading.SensorType]
	if !ok {
		return 1, nil
	}
	if a.Reading.Value < b.Min || a.Reading.Value > b.Max {
		return 0, nil
	}
	return 1, nil
}
