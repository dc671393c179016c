package model

import (
	"math"
	"sync"

	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
)

// ZScoreDetector is the statistical fallback used when no model can be
// served. It keeps a rolling window of values per sensor and scores a
// reading by its z-score against that window. With too few samples for
// a meaningful distribution it degrades to the threshold ratio.
type ZScoreDetector struct {
	mu      sync.Mutex
	window  int
	samples map[string][]float64
}

// NewZScoreDetector creates a detector with the given rolling window
// size per sensor.
func NewZScoreDetector(window int) *ZScoreDetector {
	if window <= 0 {
		window = 30
	}
	return &ZScoreDetector{
		window:  window,
		samples: make(map[string][]float64),
	}
}

// Name implements Handle.
func (d *ZScoreDetector) Name() string {
	return "zscore"
}

// Observe records a value without scoring it.
func (d *ZScoreDetector) Observe(sensorID string, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record(sensorID, value)
}

// Score implements Handle. The reading is scored against the sensor's
// window and then recorded into it.
func (d *ZScoreDetector) Score(r pipeline.SensorReading) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.samples[r.SensorID]
	defer d.record(r.SensorID, r.Value)

	// Too little history for a distribution; use the threshold ratio.
	if len(history) < 3 {
		return (&RatioModel{}).Score(r)
	}

	mean, std := meanStd(history)
	if std == 0 {
		if r.Value == mean {
			return 0, nil
		}
		return 1, nil
	}

	z := math.Abs(r.Value-mean) / std
	score := z / 4
	if score > 1 {
		score = 1
	}
	return score, nil
}

func (d *ZScoreDetector) record(sensorID string, value float64) {
	history := append(d.samples[sensorID], value)
	if len(history) > d.window {
		history = history[len(history)-d.window:]
	}
	d.samples[sensorID] = history
}

func meanStd(values []float64) (mean, std float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
