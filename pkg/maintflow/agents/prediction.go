package agents

import (
	"context"
	"time"

	"github.com/sentriq/maintflow/pkg/maintflow/agent"
	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
	"github.com/sentriq/maintflow/pkg/maintflow/store"
)

// PredictionConfig configures the prediction agent.
type PredictionConfig struct {
	// Horizons maps criticality to the fallback failure horizon used
	// when the reading trend gives no usable estimate. Defaults cover
	// all levels.
	Horizons map[pipeline.Criticality]time.Duration

	// FailureFactor is the multiple of the sensor threshold at which
	// the equipment is considered failed, for trend extrapolation.
	// Default: 3.0
	FailureFactor float64

	// TrendWindow is how many recent readings feed the trend fit.
	// Default: 20
	TrendWindow int
}

func defaultHorizons() map[pipeline.Criticality]time.Duration {
	return map[pipeline.Criticality]time.Duration{
		pipeline.CriticalityCritical: 24 * time.Hour,
		pipeline.CriticalityHigh:     72 * time.Hour,
		pipeline.CriticalityMedium:   7 * 24 * time.Hour,
		pipeline.CriticalityLow:      30 * 24 * time.Hour,
	}
}

// Prediction estimates time to failure for equipment behind an
// approved anomaly. It acts only on approved decisions: anomalies the
// orchestrator has not cleared never reach prediction.
//
// The estimate fits a linear degradation trend over the sensor's
// recent readings and extrapolates to the failure level. When the
// trend is flat, noisy, or history is unavailable, a criticality-based
// horizon scaled by anomaly strength stands in.
type Prediction struct {
	*agent.BaseAgent
	cfg      PredictionConfig
	horizons map[pipeline.Criticality]time.Duration
	history  store.ReadingHistory
	now      func() time.Time
}

// NewPrediction creates the prediction agent. The reading history is
// optional; without it every estimate uses the criticality horizon.
func NewPrediction(base agent.BaseConfig, cfg PredictionConfig, history store.ReadingHistory) (*Prediction, error) {
	if base.ID == "" {
		base.ID = "prediction-agent"
	}
	if cfg.FailureFactor <= 1 {
		cfg.FailureFactor = 3.0
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = 20
	}
	horizons := defaultHorizons()
	for c, h := range cfg.Horizons {
		horizons[c] = h
	}

	a := &Prediction{
		BaseAgent: agent.NewBase(base),
		cfg:       cfg,
		horizons:  horizons,
		history:   history,
		now:       time.Now,
	}

	err := a.Handle(pipeline.TypeDecisionApproved,
		event.TypedHandler(a.onApproved),
		event.WithEmits(pipeline.TypeMaintenancePredicted))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Prediction) onApproved(ctx context.Context, approved pipeline.ApprovedDecision, meta event.Metadata) ([]event.Event, error) {
	anomaly := approved.Validation.Anomaly
	now := a.now()

	ttf, fromTrend := a.timeToFailure(ctx, anomaly, now)

	prediction := pipeline.Prediction{
		SensorID:           anomaly.Reading.SensorID,
		EquipmentID:        anomaly.Reading.EquipmentID,
		Criticality:        anomaly.Criticality,
		PredictedFailureAt: now.Add(ttf),
		Confidence:         approved.Validation.Confidence * 0.9,
	}
	if !fromTrend {
		// Horizon fallback is a coarser estimate.
		prediction.Confidence = approved.Validation.Confidence * 0.7
	}

	a.Logger().Info("failure predicted",
		"equipment_id", prediction.EquipmentID,
		"predicted_failure_at", prediction.PredictedFailureAt,
		"confidence", prediction.Confidence,
		"from_trend", fromTrend,
		"actor", approved.Actor,
		"correlation_id", meta.CorrelationID)

	return []event.Event{
		event.NewFromMeta(meta, pipeline.TypeMaintenancePredicted, a.ID(), prediction),
	}, nil
}

// timeToFailure returns the estimated time until failure and whether it
// came from the reading trend.
func (a *Prediction) timeToFailure(ctx context.Context, anomaly pipeline.Anomaly, now time.Time) (time.Duration, bool) {
	if ttf, ok := a.trendEstimate(ctx, anomaly, now); ok {
		return ttf, true
	}
	return a.horizonEstimate(anomaly), false
}

// trendEstimate fits a least-squares line over recent readings and
// extrapolates to the failure level.
func (a *Prediction) trendEstimate(ctx context.Context, anomaly pipeline.Anomaly, now time.Time) (time.Duration, bool) {
	if a.history == nil {
		return 0, false
	}
	readings, err := a.history.RecentReadings(ctx, anomaly.Reading.SensorID, a.cfg.TrendWindow)
	if err != nil || len(readings) < 3 {
		return 0, false
	}

	// Least-squares slope in value units per second. Readings arrive
	// newest first; time is measured back from now.
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(readings))
	for _, r := range readings {
		x := r.ReadAt.Sub(now).Seconds()
		y := r.Value
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, false
	}
	slope := (n*sumXY - sumX*sumY) / denom
	if slope <= 0 {
		// Not degrading; the trend carries no failure estimate.
		return 0, false
	}

	failureLevel := anomaly.Reading.Threshold * a.cfg.FailureFactor
	current := anomaly.Reading.Value
	if current >= failureLevel {
		return time.Hour, true
	}

	seconds := (failureLevel - current) / slope
	ttf := time.Duration(seconds * float64(time.Second))
	if ttf < time.Hour {
		ttf = time.Hour
	}
	max := a.horizons[pipeline.CriticalityLow]
	if ttf > max {
		ttf = max
	}
	return ttf, true
}

// horizonEstimate scales the criticality horizon by anomaly strength:
// score 1.0 halves it, a score at the detection threshold leaves it
// nearly whole.
func (a *Prediction) horizonEstimate(anomaly pipeline.Anomaly) time.Duration {
	horizon := a.horizons[anomaly.Criticality]
	if horizon == 0 {
		horizon = a.horizons[pipeline.CriticalityMedium]
	}
	scale := 1.5 - anomaly.Score
	if scale < 0.5 {
		scale = 0.5
	}
	return time.Duration(float64(horizon) * scale)
}
