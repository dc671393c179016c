package model

import (
	"context"
	"testing"

	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
)

func reading(value, threshold float64) pipeline.SensorReading {
	return pipeline.SensorReading{
		SensorID:    "S1",
		EquipmentID: "EQ-1",
		SensorType:  "vibration",
		Value:       value,
		Threshold:   threshold,
	}
}

func TestRatioModelScore(t *testing.T) {
	m := &RatioModel{}

	tests := []struct {
		value, threshold, want float64
	}{
		{50, 100, 0.25},  // well under threshold
		{100, 100, 0.5},  // at threshold
		{250, 100, 1.0},  // far over, saturates
		{-10, 100, 0},    // negative clamps to zero
	}
	for _, tt := range tests {
		got, err := m.Score(reading(tt.value, tt.threshold))
		if err != nil {
			t.Fatalf("Score(%v/%v) failed: %v", tt.value, tt.threshold, err)
		}
		if got != tt.want {
			t.Errorf("Score(%v/%v) = %v, want %v", tt.value, tt.threshold, got, tt.want)
		}
	}
}

func TestRatioModelRejectsBadThreshold(t *testing.T) {
	m := &RatioModel{}
	if _, err := m.Score(reading(10, 0)); err == nil {
		t.Error("zero threshold accepted")
	}
	if _, err := m.Score(reading(10, -5)); err == nil {
		t.Error("negative threshold accepted")
	}
}

func TestStaticSourceServesRatioModels(t *testing.T) {
	src := &StaticSource{Versions: map[string]string{"temperature": "v3"}}
	ctx := context.Background()

	ref, err := src.Recommend(ctx, "temperature")
	if err != nil {
		t.Fatalf("recommend failed: %v", err)
	}
	if ref.Version != "v3" {
		t.Errorf("Version = %s, want v3", ref.Version)
	}

	ref2, _ := src.Recommend(ctx, "vibration")
	if ref2.Version != "v1" {
		t.Errorf("unknown sensor type should default to v1, got %s", ref2.Version)
	}

	handle, err := src.Load(ctx, ref)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if handle.Name() != ref.String() {
		t.Errorf("Name() = %s, want %s", handle.Name(), ref.String())
	}
}
