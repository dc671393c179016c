package benchmarks

import (
	"context"
	"testing"
	"time"

	"github.com/sentriq/maintflow/pkg/maintflow"
	"github.com/sentriq/maintflow/pkg/maintflow/config"
	"github.com/sentriq/maintflow/pkg/maintflow/model"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
	"github.com/sentriq/maintflow/pkg/maintflow/rules"
)

// BenchmarkWorkflow_EndToEnd pushes one hot reading through the whole
// pipeline per iteration and waits for the workflow to close.
func BenchmarkWorkflow_EndToEnd(b *testing.B) {
	cfg := config.Default()
	rt, err := maintflow.New(cfg, maintflow.Options{
		Criticality: map[string]pipeline.Criticality{"EQ-1": pipeline.CriticalityHigh},
	})
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		b.Fatal(err)
	}
	defer rt.Stop(ctx)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		correlationID, err := rt.Ingest(ctx, pipeline.SensorReading{
			SensorID:    "S1",
			EquipmentID: "EQ-1",
			SensorType:  "vibration",
			Value:       250,
			Threshold:   100,
			ReadAt:      time.Now(),
		})
		if err != nil {
			b.Fatal(err)
		}
		for {
			state, err := rt.Orchestrator.WorkflowState(correlationID)
			if err == nil && state.Stage.Terminal() {
				break
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// BenchmarkModelScore measures a single ratio-model score.
func BenchmarkModelScore(b *testing.B) {
	m := &model.RatioModel{ModelName: "bench:v1"}
	r := pipeline.SensorReading{SensorID: "S1", Value: 250, Threshold: 100}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Score(r); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkZScore measures statistical scoring against a warm window.
func BenchmarkZScore(b *testing.B) {
	d := model.NewZScoreDetector(50)
	for i := 0; i < 50; i++ {
		d.Observe("S1", 50+float64(i%5))
	}
	r := pipeline.SensorReading{SensorID: "S1", Value: 250, Threshold: 100}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := d.Score(r); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRuleEngine measures the default weighted rule evaluation.
func BenchmarkRuleEngine(b *testing.B) {
	engine := rules.NewDefaultEngine(nil)
	a := pipeline.Anomaly{
		Reading: pipeline.SensorReading{
			SensorID: "S1", SensorType: "vibration", Value: 250, Threshold: 100,
		},
		Criticality: pipeline.CriticalityHigh,
		Score:       0.9,
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Evaluate(a); err != nil {
			b.Fatal(err)
		}
	}
}
