package store

import (
	"context"
	"sync"

	"github.com/sentriq/maintflow/pkg/maintflow/event"
	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
)

// MemoryStore is an in-memory implementation of every store interface.
// Suitable for tests and single-shot demos.
type MemoryStore struct {
	mu          sync.RWMutex
	events      []LoggedEvent
	readings    map[string][]Reading // sensorID -> readings, newest last
	maintenance map[string]pipeline.MaintenanceRecord
	decisions   map[string][]DecisionRecord // correlationID -> history
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		readings:    make(map[string][]Reading),
		maintenance: make(map[string]pipeline.MaintenanceRecord),
		decisions:   make(map[string][]DecisionRecord),
	}
}

// Append implements EventLog.
func (s *MemoryStore) Append(_ context.Context, evt event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, LoggedEvent{
		EventID:       evt.ID(),
		EventType:     evt.Type(),
		Source:        evt.Source(),
		CorrelationID: evt.CorrelationID(),
		CausationID:   evt.CausationID(),
		Timestamp:     evt.Timestamp(),
		SchemaVersion: evt.Version(),
		Payload:       evt.DataBytes(),
	})
	return nil
}

// ByCorrelation implements EventLog.
func (s *MemoryStore) ByCorrelation(_ context.Context, correlationID string) ([]LoggedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []LoggedEvent
	for _, le := range s.events {
		if le.CorrelationID == correlationID {
			result = append(result, le)
		}
	}
	return result, nil
}

// SaveReading implements ReadingHistory.
func (s *MemoryStore) SaveReading(_ context.Context, r Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readings[r.SensorID] = append(s.readings[r.SensorID], r)
	return nil
}

// RecentReadings implements ReadingHistory, newest first.
func (s *MemoryStore) RecentReadings(_ context.Context, sensorID string, limit int) ([]Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.readings[sensorID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}

	result := make([]Reading, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

// Record implements MaintenanceLog. Returns false if the event ID was
// already recorded.
func (s *MemoryStore) Record(_ context.Context, eventID string, rec pipeline.MaintenanceRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.maintenance[eventID]; exists {
		return false, nil
	}
	s.maintenance[eventID] = rec
	return true, nil
}

// Recorded implements MaintenanceLog.
func (s *MemoryStore) Recorded(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.maintenance[eventID]
	return exists, nil
}

// SaveDecision implements DecisionLog.
func (s *MemoryStore) SaveDecision(_ context.Context, d DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.decisions[d.CorrelationID] = append(s.decisions[d.CorrelationID], d)
	return nil
}

// DecisionsByWorkflow implements DecisionLog.
func (s *MemoryStore) DecisionsByWorkflow(_ context.Context, correlationID string) ([]DecisionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.decisions[correlationID]
	result := make([]DecisionRecord, len(history))
	copy(result, history)
	return result, nil
}
