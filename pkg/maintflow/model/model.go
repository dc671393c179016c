// Package model provides anomaly scoring models for sensor readings.
//
// The primary path recommends and loads a model per sensor type through
// a Source (a model registry or artifact store). Loads are cached with a
// TTL and bounded by a worker pool. When no model can be served, callers
// fall back to the statistical ZScoreDetector, which needs no artifacts.
package model

import (
	"context"
	"fmt"

	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
)

// Ref identifies a loadable model artifact.
type Ref struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	SensorType string `json:"sensor_type"`
}

// String returns the canonical "name:version" form.
func (r Ref) String() string {
	return r.Name + ":" + r.Version
}

// Handle is a loaded model ready to score readings. Scores are in
// [0, 1]; higher means more anomalous.
type Handle interface {
	// Name identifies the model for the anomaly event's method field.
	Name() string

	// Score scores a single reading.
	Score(r pipeline.SensorReading) (float64, error)
}

// Source recommends and loads model artifacts. Implementations talk to
// a model registry; failures should be wrapped so they categorize as
// transient when the registry is unreachable.
type Source interface {
	// Recommend returns the best available model for a sensor type.
	Recommend(ctx context.Context, sensorType string) (Ref, error)

	// Load materializes the artifact behind a ref.
	Load(ctx context.Context, ref Ref) (Handle, error)
}

// SourceFuncs adapts plain functions to the Source interface.
type SourceFuncs struct {
	RecommendFunc func(ctx context.Context, sensorType string) (Ref, error)
	LoadFunc      func(ctx context.Context, ref Ref) (Handle, error)
}

// Recommend implements Source.
func (s SourceFuncs) Recommend(ctx context.Context, sensorType string) (Ref, error) {
	if s.RecommendFunc == nil {
		return Ref{}, fmt.Errorf("no recommend function configured")
	}
	return s.RecommendFunc(ctx, sensorType)
}

// Load implements Source.
func (s SourceFuncs) Load(ctx context.Context, ref Ref) (Handle, error) {
	if s.LoadFunc == nil {
		return nil, fmt.Errorf("no load function configured")
	}
	return s.LoadFunc(ctx, ref)
}

// RatioModel scores a reading by how far its value exceeds the sensor's
// configured threshold. It is the built-in model served by StaticSource
// and a reasonable baseline when no trained artifact exists.
type RatioModel struct {
	ModelName string
}

// Name implements Handle.
func (m *RatioModel) Name() string {
	if m.ModelName != "" {
		return m.ModelName
	}
	return "ratio"
}

// Score implements Handle. A reading at the threshold scores 0.5; twice
// the threshold saturates at 1.0.
func (m *RatioModel) Score(r pipeline.SensorReading) (float64, error) {
	if r.Threshold <= 0 {
		return 0, fmt.Errorf("reading for sensor %s has no positive threshold", r.SensorID)
	}
	score := r.Value / r.Threshold / 2
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// StaticSource serves RatioModel handles keyed by sensor type. It backs
// demos and tests; production deployments point Source at a real model
// registry.
type StaticSource struct {
	// Versions maps sensor type to model version. Unknown sensor types
	// get version "v1".
	Versions map[string]string
}

// Recommend implements Source.
func (s *StaticSource) Recommend(_ context.Context, sensorType string) (Ref, error) {
	version := "v1"
	if v, ok := s.Versions[sensorType]; ok {
		version = v
	}
	return Ref{Name: sensorType + "-ratio", Version: version, SensorType: sensorType}, nil
}

// Load implements Source.
func (s *StaticSource) Load(_ context.Context, ref Ref) (Handle, error) {
	return &RatioModel{ModelName: ref.String()}, nil
}
