package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
)

// TypeDeadLettered is the observability event emitted when an event is
// moved to the dead-letter queue. It is delivered without retries and is
// never itself dead-lettered.
const TypeDeadLettered = "bus.event.dead_lettered"

// DeadLetteredPayload is the payload of a TypeDeadLettered event.
type DeadLetteredPayload struct {
	EventID      string `json:"event_id"`
	EventType    string `json:"event_type"`
	SubscriberID string `json:"subscriber_id"`
	AttemptCount int    `json:"attempt_count"`
	FinalError   string `json:"final_error"`
}

// Bus provides pub/sub event distribution between agents.
//
// Publish is fire-and-forget: it returns once the event is appended to
// the log (when configured) and enqueued to every subscriber. Each
// subscriber has an independent FIFO queue, so a slow handler never
// blocks delivery to others. The contract is transport-agnostic so a
// durable broker can replace LocalBus without changing agent code.
type Bus interface {
	// Publish sends an event to all subscribers of its type.
	Publish(ctx context.Context, evt Event) error

	// Subscribe registers a handler for one event type on behalf of an
	// agent. At most one subscription per (agent, event type) pair.
	Subscribe(agentID, eventType string, handler Handler, opts ...SubscribeOption) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe removes the subscription. In-flight delivery finishes.
	Unsubscribe()

	// AgentID returns the owning agent.
	AgentID() string

	// EventType returns the subscribed event type.
	EventType() string

	// Pending returns the number of queued, undelivered events.
	Pending() int

	// Quiesce blocks until the queue is drained and no delivery is in
	// flight, or the context expires.
	Quiesce(ctx context.Context) error
}

// Appender receives every published event for the append-only audit log.
type Appender interface {
	Append(ctx context.Context, evt Event) error
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// BufferSize is the queue size per subscription.
	// Default: 256
	BufferSize int

	// Retry governs per-delivery retry with exponential backoff.
	// Default: mferrors.DefaultRetry (4 attempts).
	Retry mferrors.RetryConfig

	// DLQ receives events that exhaust their attempts. Optional but
	// strongly recommended: without it, poison events are only logged.
	DLQ DeadLetterQueue

	// Log receives every published event, append-only. Optional.
	Log Appender

	// Registry validates events against registered schemas when
	// ValidateSchemas is set. Optional.
	Registry        *SchemaRegistry
	ValidateSchemas bool

	// Poison short-circuits repeatedly failing payloads straight to the
	// DLQ. Optional.
	Poison *PoisonDetector

	// DeduplicateTTL enables publish-side deduplication by event ID.
	// Handler idempotency remains the contract; this is an extra guard.
	// Default: 0 (disabled)
	DeduplicateTTL time.Duration

	// NonBlocking makes Publish drop events when a subscriber queue is
	// full instead of waiting. Default: false (blocking).
	NonBlocking bool

	// OnPublish is called for every event accepted by Publish, after
	// validation, deduplication, and the log append.
	OnPublish func(evt Event)

	// OnDrop is called when an event is dropped (non-blocking mode).
	OnDrop func(evt Event, subscriberID string)

	// OnDelivered is called after a successful delivery.
	OnDelivered func(evt Event, subscriberID string, attempts int, duration time.Duration)

	// OnError is called on each delivery failure, including retries.
	OnError func(evt Event, subscriberID string, err error)

	// OnDeadLetter is called when an entry is enqueued to the DLQ.
	OnDeadLetter func(entry *DeadLetterEntry)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	BufferSize: 256,
	Retry:      mferrors.DefaultRetry,
}

// LocalBus is the in-memory Bus implementation. It targets a single
// process; the Bus contract leaves room for a durable broker later.
type LocalBus struct {
	config BusConfig

	mu      sync.RWMutex
	subs    map[string]*subscription            // subscription ID -> subscription
	byType  map[string]map[string]*subscription // event type -> subscription ID -> subscription
	byAgent map[string]map[string]*subscription // agent ID -> event type -> subscription

	// Event-type graph for cycle detection at subscription time.
	edges map[string]map[string]int // input type -> emitted type -> refcount

	// Deduplication cache
	dedupeMu    sync.Mutex
	dedupeCache map[string]time.Time

	closed  atomic.Bool
	closeCh chan struct{}
}

// NewBus creates a new local event bus.
func NewBus(config BusConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig.BufferSize
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = DefaultBusConfig.Retry
	}

	bus := &LocalBus{
		config:  config,
		subs:    make(map[string]*subscription),
		byType:  make(map[string]map[string]*subscription),
		byAgent: make(map[string]map[string]*subscription),
		edges:   make(map[string]map[string]int),
		closeCh: make(chan struct{}),
	}

	if config.DeduplicateTTL > 0 {
		bus.dedupeCache = make(map[string]time.Time)
		go bus.cleanupDedupe()
	}

	return bus
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithEmits declares the event types the handler may emit. Declarations
// feed the subscription-time cycle check: a subscription whose declared
// emissions would let its own input type re-trigger it is rejected.
func WithEmits(types ...string) SubscribeOption {
	return func(s *subscription) {
		s.emits = types
	}
}

// WithSubscriptionRetry overrides the bus retry policy for one subscription.
func WithSubscriptionRetry(cfg mferrors.RetryConfig) SubscribeOption {
	return func(s *subscription) {
		s.retry = cfg
	}
}

// WithHandlerTimeout bounds each delivery attempt.
func WithHandlerTimeout(d time.Duration) SubscribeOption {
	return func(s *subscription) {
		s.timeout = d
	}
}

// subscription is the internal Subscription implementation. Each one
// owns a FIFO queue and a delivery goroutine: the minimum isolation
// unit is one worker per (event type, subscriber) pair.
type subscription struct {
	id        string
	agentID   string
	eventType string
	emits     []string
	handler   Handler
	retry     mferrors.RetryConfig
	timeout   time.Duration

	queue    chan Event
	done     chan struct{}
	inFlight atomic.Bool
	removed  atomic.Bool
	bus      *LocalBus
}

// Subscribe registers a handler for one event type.
func (b *LocalBus) Subscribe(agentID, eventType string, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	if b.closed.Load() {
		return nil, &EventError{Message: "bus is closed"}
	}
	if agentID == "" || eventType == "" {
		return nil, &EventError{Message: "agent ID and event type are required"}
	}
	if handler == nil {
		return nil, &EventError{Message: "handler is required"}
	}

	sub := &subscription{
		id:        agentID + "/" + eventType,
		agentID:   agentID,
		eventType: eventType,
		handler:   handler,
		retry:     b.config.Retry,
		bus:       b,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.queue = make(chan Event, b.config.BufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if byType, ok := b.byAgent[agentID]; ok {
		if _, dup := byType[eventType]; dup {
			return nil, &EventError{Message: fmt.Sprintf(
				"duplicate subscription: agent %s already subscribes to %s", agentID, eventType)}
		}
	}

	if err := b.checkCycleLocked(eventType, sub.emits); err != nil {
		return nil, err
	}
	b.addEdgesLocked(eventType, sub.emits)

	b.subs[sub.id] = sub
	if b.byType[eventType] == nil {
		b.byType[eventType] = make(map[string]*subscription)
	}
	b.byType[eventType][sub.id] = sub
	if b.byAgent[agentID] == nil {
		b.byAgent[agentID] = make(map[string]*subscription)
	}
	b.byAgent[agentID][eventType] = sub

	go sub.run()

	return sub, nil
}

// Publish sends an event to all subscribers of its type.
func (b *LocalBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return &EventError{Event: evt, Message: "bus is closed"}
	}

	if b.config.ValidateSchemas && b.config.Registry != nil {
		if err := b.config.Registry.Validate(evt); err != nil {
			// Fatal for this event only; the bus keeps running.
			return &EventError{Event: evt, Message: "schema validation failed", Err: err}
		}
	}

	if b.config.DeduplicateTTL > 0 && !b.recordOnce(evt) {
		return nil // Silently skip duplicates
	}

	if b.config.Log != nil {
		if err := b.config.Log.Append(ctx, evt); err != nil {
			return &EventError{Event: evt, Message: "append to event log failed", Err: err}
		}
	}

	// Warm the serialization cache before the event fans out to
	// concurrent delivery goroutines.
	evt.DataBytes()

	if b.config.OnPublish != nil {
		b.config.OnPublish(evt)
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.byType[evt.Type()]))
	for _, sub := range b.byType[evt.Type()] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if b.config.NonBlocking {
			select {
			case sub.queue <- evt:
			default:
				if b.config.OnDrop != nil {
					b.config.OnDrop(evt, sub.id)
				}
			}
		} else {
			select {
			case sub.queue <- evt:
			case <-ctx.Done():
				return ctx.Err()
			case <-b.closeCh:
				return &EventError{Event: evt, Message: "bus closed during publish"}
			}
		}
	}

	return nil
}

// Close shuts down the bus.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	close(b.closeCh)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if sub.removed.CompareAndSwap(false, true) {
			close(sub.done)
		}
	}

	return nil
}

// run drains the subscription queue, delivering strictly in FIFO order.
func (s *subscription) run() {
	for {
		select {
		case evt := <-s.queue:
			s.inFlight.Store(true)
			s.bus.deliver(s, evt)
			s.inFlight.Store(false)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) String() string { return s.id }

// deliver runs the handler with retry, moving exhausted events to the DLQ.
func (b *LocalBus) deliver(s *subscription, evt Event) {
	start := time.Now()

	// Poison short-circuit: repeatedly failing payloads skip retries.
	if b.config.Poison != nil && evt.Type() != TypeDeadLettered {
		if poisoned, _ := b.config.Poison.Check(evt); poisoned {
			b.deadLetter(s, evt, []AttemptRecord{{
				Attempt: 1,
				Error:   "poison pill: identical payload failed repeatedly",
				At:      time.Now(),
			}})
			return
		}
	}

	retry := s.retry
	if evt.Type() == TypeDeadLettered {
		// Observability hook, never retried.
		retry = mferrors.NoRetry
	}

	var attempts []AttemptRecord
	attempt := 0
	result := mferrors.WithRetryContext(context.Background(), retry, func(ctx context.Context) (struct{}, error) {
		attempt++
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		derived, err := s.handler.Handle(ctx, evt)
		if err != nil {
			attempts = append(attempts, AttemptRecord{Attempt: attempt, Error: err.Error(), At: time.Now()})
			if b.config.OnError != nil {
				b.config.OnError(evt, s.id, err)
			}
			return struct{}{}, err
		}
		// Publish derived events so the causation chain continues.
		for _, d := range derived {
			if pubErr := b.Publish(ctx, d); pubErr != nil && b.config.OnError != nil {
				b.config.OnError(d, s.id, pubErr)
			}
		}
		return struct{}{}, nil
	})

	if result.Err == nil {
		if b.config.Poison != nil {
			b.config.Poison.Clear(evt)
		}
		if b.config.OnDelivered != nil {
			b.config.OnDelivered(evt, s.id, result.Attempts, time.Since(start))
		}
		return
	}

	if evt.Type() == TypeDeadLettered {
		// Never dead-letter the dead-letter notification.
		return
	}

	if b.config.Poison != nil {
		b.config.Poison.Record(evt)
	}
	b.deadLetter(s, evt, attempts)
}

// deadLetter moves an event plus its failure history to the DLQ and
// emits the observability notification.
func (b *LocalBus) deadLetter(s *subscription, evt Event, attempts []AttemptRecord) {
	entry := NewDeadLetterEntry(evt, s.id, attempts)

	if b.config.DLQ != nil {
		if err := b.config.DLQ.Enqueue(context.Background(), entry); err != nil && b.config.OnError != nil {
			b.config.OnError(evt, "dlq", err)
		}
	}
	if b.config.OnDeadLetter != nil {
		b.config.OnDeadLetter(entry)
	}

	notice := NewFromParent(evt, TypeDeadLettered, "bus", DeadLetteredPayload{
		EventID:      entry.EventID,
		EventType:    entry.EventType,
		SubscriberID: entry.SubscriberID,
		AttemptCount: entry.AttemptCount,
		FinalError:   entry.FinalError,
	})
	if err := b.Publish(context.Background(), notice); err != nil && b.config.OnError != nil {
		b.config.OnError(notice, "bus", err)
	}
}

// Unsubscribe removes the subscription.
func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	if typeSubs, ok := s.bus.byType[s.eventType]; ok {
		delete(typeSubs, s.id)
	}
	if agentSubs, ok := s.bus.byAgent[s.agentID]; ok {
		delete(agentSubs, s.eventType)
	}
	s.bus.removeEdgesLocked(s.eventType, s.emits)
	s.bus.mu.Unlock()

	if s.removed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// AgentID returns the owning agent.
func (s *subscription) AgentID() string { return s.agentID }

// EventType returns the subscribed event type.
func (s *subscription) EventType() string { return s.eventType }

// Pending returns the number of queued events.
func (s *subscription) Pending() int { return len(s.queue) }

// Quiesce blocks until the queue drains and no delivery is in flight.
func (s *subscription) Quiesce(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if len(s.queue) == 0 && !s.inFlight.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Deduplication helpers

// recordOnce returns false if the event ID was seen within the TTL.
func (b *LocalBus) recordOnce(evt Event) bool {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()

	if _, exists := b.dedupeCache[evt.ID()]; exists {
		return false
	}
	b.dedupeCache[evt.ID()] = time.Now()
	return true
}

func (b *LocalBus) cleanupDedupe() {
	ticker := time.NewTicker(b.config.DeduplicateTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.dedupeMu.Lock()
			cutoff := time.Now().Add(-b.config.DeduplicateTTL)
			for id, ts := range b.dedupeCache {
				if ts.Before(cutoff) {
					delete(b.dedupeCache, id)
				}
			}
			b.dedupeMu.Unlock()

		case <-b.closeCh:
			return
		}
	}
}
