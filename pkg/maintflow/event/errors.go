package event

import (
	"context"
	"fmt"
	"time"
)

// EventError represents an error during event processing.
type EventError struct {
	Event     Event     // The event that failed
	Handler   string    // Handler that failed (if known)
	Message   string    // Error message
	Err       error     // Underlying error
	Attempt   int       // Which attempt this was
	Timestamp time.Time // When the error occurred
}

// Error implements error interface.
func (e *EventError) Error() string {
	if e.Event == nil {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("event %s: %s: %v", e.Event.ID(), e.Message, e.Err)
	}
	return fmt.Sprintf("event %s: %s", e.Event.ID(), e.Message)
}

// Unwrap returns the underlying error.
func (e *EventError) Unwrap() error {
	return e.Err
}

// AttemptRecord captures one failed delivery attempt.
type AttemptRecord struct {
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// DeadLetterEntry is the durable record of an event that exhausted its
// delivery attempts for one subscriber. Entries are never auto-deleted;
// operator tooling consumes them.
type DeadLetterEntry struct {
	// Event information
	EventID       string `json:"event_id"`
	EventType     string `json:"event_type"`
	EventSource   string `json:"event_source"`
	CorrelationID string `json:"correlation_id"`
	EventData     []byte `json:"event_data"`

	// Failing subscriber
	SubscriberID string `json:"subscriber_id"`

	// Failure history
	Attempts     []AttemptRecord `json:"attempts"`
	AttemptCount int             `json:"attempt_count"`
	FinalError   string          `json:"final_error"`

	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// NewDeadLetterEntry builds an entry from an event and its attempt history.
func NewDeadLetterEntry(evt Event, subscriberID string, attempts []AttemptRecord) *DeadLetterEntry {
	entry := &DeadLetterEntry{
		EventID:       evt.ID(),
		EventType:     evt.Type(),
		EventSource:   evt.Source(),
		CorrelationID: evt.CorrelationID(),
		EventData:     evt.DataBytes(),
		SubscriberID:  subscriberID,
		Attempts:      attempts,
		AttemptCount:  len(attempts),
	}
	if n := len(attempts); n > 0 {
		entry.FinalError = attempts[n-1].Error
		entry.FirstFailedAt = attempts[0].At
		entry.LastFailedAt = attempts[n-1].At
	}
	return entry
}

// DeadLetterQueue stores events that exhausted their delivery attempts.
// Implementations must be safe for concurrent writers; the store is
// append-only from the bus's point of view.
type DeadLetterQueue interface {
	// Enqueue adds an entry to the queue.
	Enqueue(ctx context.Context, entry *DeadLetterEntry) error

	// Get retrieves the entry for an event and subscriber.
	Get(ctx context.Context, eventID, subscriberID string) (*DeadLetterEntry, error)

	// List returns up to limit entries, oldest failures first.
	List(ctx context.Context, limit int) ([]*DeadLetterEntry, error)

	// Count returns the number of entries in the queue.
	Count(ctx context.Context) (int, error)

	// CountByType returns counts grouped by event type.
	CountByType(ctx context.Context) (map[string]int, error)
}

// ErrDeadLetterNotFound is returned when a DLQ entry does not exist.
var ErrDeadLetterNotFound = &EventError{Message: "dead-letter entry not found"}
