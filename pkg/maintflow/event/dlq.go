package event

import (
	"context"
	"sort"
	"sync"
)

// InMemoryDLQ is an in-memory DeadLetterQueue. Suitable for tests and
// single-instance deployments; store.SQLiteStore is the durable variant.
type InMemoryDLQ struct {
	mu      sync.RWMutex
	entries map[string]*DeadLetterEntry // keyed by eventID+"/"+subscriberID
	order   []string                    // insertion order, oldest first
	cfg     DLQConfig

	enqueued int64
}

// DLQConfig configures the in-memory dead-letter queue.
type DLQConfig struct {
	// MaxSize limits the number of retained entries.
	// Default: 10000
	MaxSize int

	// OnEnqueue is called when an entry is added.
	OnEnqueue func(*DeadLetterEntry)
}

// DefaultDLQConfig provides reasonable defaults.
var DefaultDLQConfig = DLQConfig{
	MaxSize: 10000,
}

// NewInMemoryDLQ creates a new in-memory dead-letter queue.
func NewInMemoryDLQ(cfg DLQConfig) *InMemoryDLQ {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultDLQConfig.MaxSize
	}
	return &InMemoryDLQ{
		entries: make(map[string]*DeadLetterEntry),
		cfg:     cfg,
	}
}

func dlqKey(eventID, subscriberID string) string {
	return eventID + "/" + subscriberID
}

// Enqueue adds an entry to the queue.
func (d *InMemoryDLQ) Enqueue(_ context.Context, entry *DeadLetterEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.entries) >= d.cfg.MaxSize {
		return &EventError{Message: "DLQ is full"}
	}

	key := dlqKey(entry.EventID, entry.SubscriberID)
	if _, exists := d.entries[key]; !exists {
		d.order = append(d.order, key)
	}
	d.entries[key] = entry
	d.enqueued++

	if d.cfg.OnEnqueue != nil {
		d.cfg.OnEnqueue(entry)
	}
	return nil
}

// Get retrieves the entry for an event and subscriber.
func (d *InMemoryDLQ) Get(_ context.Context, eventID, subscriberID string) (*DeadLetterEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, ok := d.entries[dlqKey(eventID, subscriberID)]
	if !ok {
		return nil, ErrDeadLetterNotFound
	}
	return entry, nil
}

// List returns up to limit entries, oldest failures first.
func (d *InMemoryDLQ) List(_ context.Context, limit int) ([]*DeadLetterEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limit <= 0 || limit > len(d.order) {
		limit = len(d.order)
	}

	result := make([]*DeadLetterEntry, 0, limit)
	for _, key := range d.order[:limit] {
		if entry, ok := d.entries[key]; ok {
			result = append(result, entry)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].LastFailedAt.Before(result[j].LastFailedAt)
	})
	return result, nil
}

// Count returns the number of entries in the queue.
func (d *InMemoryDLQ) Count(_ context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries), nil
}

// CountByType returns counts grouped by event type.
func (d *InMemoryDLQ) CountByType(_ context.Context) (map[string]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[string]int)
	for _, entry := range d.entries {
		counts[entry.EventType]++
	}
	return counts, nil
}

// Stats returns DLQ statistics.
func (d *InMemoryDLQ) Stats() DLQStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return DLQStats{
		Size:     len(d.entries),
		Enqueued: d.enqueued,
	}
}

// DLQStats provides statistics about the DLQ.
type DLQStats struct {
	Size     int   // Current DLQ size
	Enqueued int64 // Total entries enqueued
}
