package agents

import (
	"context"
	"errors"

	"github.com/sentriq/maintflow/pkg/maintflow/agent"
	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/model"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
	"github.com/sentriq/maintflow/pkg/maintflow/store"
)

// AnomalyDetectionConfig configures the anomaly detection agent.
type AnomalyDetectionConfig struct {
	// ScoreThreshold is the combined score at which a reading becomes an
	// anomaly. Default: 0.75
	ScoreThreshold float64

	// ModelWeight is the trained model's share of the combined score;
	// the statistical detector contributes the rest. Default: 0.7
	ModelWeight float64
}

// AnomalyDetection scores processed readings against a per-sensor-type
// model combined with a statistical detector. When no model can be
// served it degrades to the statistical score alone and keeps the
// pipeline flowing.
type AnomalyDetection struct {
	*agent.BaseAgent
	cfg     AnomalyDetectionConfig
	loader  *model.CachedLoader
	zscore  *model.ZScoreDetector
	history store.ReadingHistory
}

// NewAnomalyDetection creates the anomaly detection agent.
func NewAnomalyDetection(
	base agent.BaseConfig,
	cfg AnomalyDetectionConfig,
	loader *model.CachedLoader,
	history store.ReadingHistory,
) (*AnomalyDetection, error) {
	if base.ID == "" {
		base.ID = "anomaly-detection-agent"
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = 0.75
	}
	if cfg.ModelWeight <= 0 || cfg.ModelWeight > 1 {
		cfg.ModelWeight = 0.7
	}

	a := &AnomalyDetection{
		BaseAgent: agent.NewBase(base),
		cfg:       cfg,
		loader:    loader,
		zscore:    model.NewZScoreDetector(0),
		history:   history,
	}

	err := a.Handle(pipeline.TypeDataProcessed,
		event.TypedHandler(a.onProcessed),
		event.WithEmits(pipeline.TypeAnomalyDetected))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AnomalyDetection) onProcessed(ctx context.Context, processed pipeline.ProcessedReading, meta event.Metadata) ([]event.Event, error) {
	reading := processed.Reading

	score, method, degraded, err := a.score(ctx, reading)
	if err != nil {
		return nil, err
	}
	a.MarkDegraded(degraded)

	anomalous := score >= a.cfg.ScoreThreshold

	// Persist the reading with its verdict so validation can measure
	// recurrence later.
	if a.history != nil {
		if err := a.history.SaveReading(ctx, store.Reading{
			SensorID:    reading.SensorID,
			EquipmentID: reading.EquipmentID,
			SensorType:  reading.SensorType,
			Unit:        reading.Unit,
			Value:       reading.Value,
			Threshold:   reading.Threshold,
			Anomalous:   anomalous,
			Criticality: processed.Criticality,
			ReadAt:      reading.ReadAt,
		}); err != nil {
			return nil, err
		}
	}

	if !anomalous {
		a.Logger().Debug("reading within normal bounds",
			"sensor_id", reading.SensorID,
			"score", score,
			"correlation_id", meta.CorrelationID)
		return nil, nil
	}

	a.Logger().Info("anomaly detected",
		"sensor_id", reading.SensorID,
		"equipment_id", reading.EquipmentID,
		"score", score,
		"method", method,
		"degraded", degraded,
		"correlation_id", meta.CorrelationID)

	anomaly := pipeline.Anomaly{
		Reading:     reading,
		Criticality: processed.Criticality,
		Score:       score,
		Threshold:   a.cfg.ScoreThreshold,
		Method:      method,
		Degraded:    degraded,
	}
	return []event.Event{
		event.NewFromMeta(meta, pipeline.TypeAnomalyDetected, a.ID(), anomaly),
	}, nil
}

// score combines the trained model with the statistical detector. When
// the model cannot be served the statistical score stands alone and the
// result is marked degraded.
func (a *AnomalyDetection) score(ctx context.Context, reading pipeline.SensorReading) (float64, string, bool, error) {
	statScore, err := a.zscore.Score(reading)
	if err != nil {
		return 0, "", false, err
	}

	handle, err := a.loader.Model(ctx, reading.SensorType)
	if err != nil {
		var unavailable *mferrors.ModelUnavailableError
		if errors.As(err, &unavailable) {
			a.Logger().Warn("model unavailable, using statistical fallback",
				"sensor_type", reading.SensorType,
				"error", err)
			return statScore, a.zscore.Name(), true, nil
		}
		return 0, "", false, err
	}

	mlScore, err := handle.Score(reading)
	if err != nil {
		// A broken model handle is as good as no model.
		a.Logger().Warn("model scoring failed, using statistical fallback",
			"model", handle.Name(),
			"error", err)
		return statScore, a.zscore.Name(), true, nil
	}

	combined := a.cfg.ModelWeight*mlScore + (1-a.cfg.ModelWeight)*statScore
	return combined, "model:" + handle.Name(), false, nil
}
