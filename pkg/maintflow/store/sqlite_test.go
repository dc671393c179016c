package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "maintflow.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteEventLog(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	root := event.New("sensor.data_received", "gateway", map[string]any{"sensor_id": "S1"})
	child := event.NewFromParent(root, "data.processed", "acquisition-agent", map[string]any{"sensor_id": "S1"})
	other := event.New("sensor.data_received", "gateway", map[string]any{"sensor_id": "S2"})

	for _, evt := range []event.Event{root, child, other} {
		if err := s.Append(ctx, evt); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	chain, err := s.ByCorrelation(ctx, root.CorrelationID())
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("got %d events, want 2", len(chain))
	}
	if chain[0].EventID != root.ID() || chain[1].EventID != child.ID() {
		t.Error("events not in append order")
	}
	if chain[1].CausationID != root.ID() {
		t.Errorf("CausationID = %s", chain[1].CausationID)
	}
	if chain[0].CausationID != "" {
		t.Errorf("root CausationID = %s, want empty", chain[0].CausationID)
	}
}

func TestSQLiteEventLogIgnoresReplay(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	evt := event.New("sensor.data_received", "gateway", map[string]any{"sensor_id": "S1"})
	for i := 0; i < 3; i++ {
		if err := s.Append(ctx, evt); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	chain, err := s.ByCorrelation(ctx, evt.CorrelationID())
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(chain) != 1 {
		t.Errorf("replayed event logged %d times", len(chain))
	}
}

func TestSQLiteDeadLetterRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	first := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	entry := &event.DeadLetterEntry{
		EventID:       "evt-1",
		EventType:     "data.processed",
		EventSource:   "acquisition-agent",
		CorrelationID: "wf-1",
		EventData:     []byte(`{"sensor_id":"S1"}`),
		SubscriberID:  "detection-agent/data.processed",
		Attempts: []event.AttemptRecord{
			{Attempt: 1, Error: "model store unreachable", At: first},
			{Attempt: 2, Error: "model store unreachable", At: first.Add(time.Second)},
		},
		AttemptCount:  2,
		FinalError:    "model store unreachable",
		FirstFailedAt: first,
		LastFailedAt:  first.Add(time.Second),
	}
	if err := s.Enqueue(ctx, entry); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	got, err := s.Get(ctx, "evt-1", "detection-agent/data.processed")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.AttemptCount != 2 || len(got.Attempts) != 2 {
		t.Errorf("attempts = %d/%d, want 2/2", got.AttemptCount, len(got.Attempts))
	}
	if got.FinalError != "model store unreachable" {
		t.Errorf("FinalError = %s", got.FinalError)
	}
	if !got.FirstFailedAt.Equal(first) {
		t.Errorf("FirstFailedAt = %v", got.FirstFailedAt)
	}
	if string(got.EventData) != `{"sensor_id":"S1"}` {
		t.Errorf("EventData = %s", got.EventData)
	}
}

func TestSQLiteDeadLetterUpsert(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	first := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	entry := &event.DeadLetterEntry{
		EventID:       "evt-1",
		EventType:     "data.processed",
		SubscriberID:  "detection-agent/data.processed",
		Attempts:      []event.AttemptRecord{{Attempt: 1, Error: "boom", At: first}},
		AttemptCount:  1,
		FinalError:    "boom",
		FirstFailedAt: first,
		LastFailedAt:  first,
	}
	if err := s.Enqueue(ctx, entry); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// A replay of the same event dead-letters again for the same
	// subscriber. The row is updated, not duplicated.
	entry.Attempts = append(entry.Attempts, event.AttemptRecord{Attempt: 2, Error: "still broken", At: first.Add(time.Minute)})
	entry.AttemptCount = 2
	entry.FinalError = "still broken"
	entry.LastFailedAt = first.Add(time.Minute)
	if err := s.Enqueue(ctx, entry); err != nil {
		t.Fatalf("second enqueue failed: %v", err)
	}

	count, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("Count = %d, want 1", count)
	}

	got, err := s.Get(ctx, "evt-1", "detection-agent/data.processed")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.AttemptCount != 2 || got.FinalError != "still broken" {
		t.Errorf("entry = %+v", got)
	}
	if !got.FirstFailedAt.Equal(first) {
		t.Errorf("FirstFailedAt moved to %v", got.FirstFailedAt)
	}
}

func TestSQLiteDeadLetterNotFound(t *testing.T) {
	s := newTestSQLite(t)

	_, err := s.Get(context.Background(), "ghost", "detection-agent/data.processed")
	if !errors.Is(err, event.ErrDeadLetterNotFound) {
		t.Fatalf("error = %v, want ErrDeadLetterNotFound", err)
	}
}

func TestSQLiteDeadLetterListAndCounts(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	for i, eventType := range []string{"data.processed", "data.processed", "anomaly.validated"} {
		entry := &event.DeadLetterEntry{
			EventID:       "evt-" + string(rune('a'+i)),
			EventType:     eventType,
			SubscriberID:  "sub/" + eventType,
			AttemptCount:  1,
			FinalError:    "boom",
			FirstFailedAt: base.Add(time.Duration(i) * time.Minute),
			LastFailedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Enqueue(ctx, entry); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	entries, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Oldest failures first.
	if entries[0].EventID != "evt-a" || entries[1].EventID != "evt-b" {
		t.Errorf("order = %s, %s", entries[0].EventID, entries[1].EventID)
	}

	counts, err := s.CountByType(ctx)
	if err != nil {
		t.Fatalf("count by type failed: %v", err)
	}
	if counts["data.processed"] != 2 || counts["anomaly.validated"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestSQLiteReadingHistory(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.SaveReading(ctx, Reading{
			SensorID:    "S1",
			EquipmentID: "EQ-1",
			SensorType:  "vibration",
			Value:       float64(i),
			Threshold:   100,
			Anomalous:   i == 4,
			Criticality: pipeline.CriticalityHigh,
			ReadAt:      time.Date(2026, 3, 10, 12, i, 0, 0, time.UTC),
		}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	window, err := s.RecentReadings(ctx, "S1", 3)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(window) != 3 {
		t.Fatalf("got %d readings, want 3", len(window))
	}
	// Newest first.
	if window[0].Value != 4 || window[2].Value != 2 {
		t.Errorf("window = %v", window)
	}
	if !window[0].Anomalous || window[1].Anomalous {
		t.Error("anomalous flag not round-tripped")
	}
	if window[0].Criticality != pipeline.CriticalityHigh {
		t.Errorf("Criticality = %s", window[0].Criticality)
	}
	if window[0].ReadAt.Minute() != 4 {
		t.Errorf("ReadAt = %v", window[0].ReadAt)
	}

	empty, err := s.RecentReadings(ctx, "S2", 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("unknown sensor returned %d readings", len(empty))
	}
}

func TestSQLiteMaintenanceLogClaimsOnce(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rec := pipeline.MaintenanceRecord{TaskID: "task-1"}
	claimed, err := s.Record(ctx, "evt-1", rec)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if !claimed {
		t.Fatal("first claim rejected")
	}

	again, err := s.Record(ctx, "evt-1", rec)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if again {
		t.Error("duplicate event ID claimed twice")
	}

	recorded, err := s.Recorded(ctx, "evt-1")
	if err != nil {
		t.Fatalf("recorded check failed: %v", err)
	}
	if !recorded {
		t.Error("claim not visible")
	}
}

func TestSQLiteDecisionLog(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	records := []DecisionRecord{
		{CorrelationID: "wf-1", Stage: "validated", Decision: "escalated", Actor: "automated", DecidedAt: base},
		{CorrelationID: "wf-1", Stage: "auto_approved", Decision: "approved", Actor: "human:rios", Detail: "confirmed on site", DecidedAt: base.Add(time.Minute)},
		{CorrelationID: "wf-2", Stage: "validated", Decision: "closed", Actor: "automated", DecidedAt: base},
	}
	for _, d := range records {
		if err := s.SaveDecision(ctx, d); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	history, err := s.DecisionsByWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d decisions, want 2", len(history))
	}
	if history[0].Decision != "escalated" || history[1].Actor != "human:rios" {
		t.Errorf("history = %+v", history)
	}
	if history[1].Detail != "confirmed on site" {
		t.Errorf("Detail = %s", history[1].Detail)
	}
	if !history[0].DecidedAt.Equal(base) {
		t.Errorf("DecidedAt = %v", history[0].DecidedAt)
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "maintflow.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.SaveReading(ctx, Reading{SensorID: "S1", Value: 250, Threshold: 100, ReadAt: time.Now()}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	window, err := reopened.RecentReadings(ctx, "S1", 10)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(window) != 1 || window[0].Value != 250 {
		t.Errorf("window = %v", window)
	}
}

func TestSQLiteClosedStoreRejectsOperations(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}

	if err := s.Append(ctx, event.New[any]("t", "s", nil)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Append error = %v, want ErrStoreClosed", err)
	}
	if _, err := s.RecentReadings(ctx, "S1", 10); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("RecentReadings error = %v, want ErrStoreClosed", err)
	}
	if _, err := s.Count(ctx); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Count error = %v, want ErrStoreClosed", err)
	}
}
