package event

import (
	"fmt"
	"sync"

	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
)

// EventSchema defines the schema for an event type.
type EventSchema struct {
	// Type is the event type (e.g., "anomaly.detected").
	Type string

	// Source is the expected emitting agent.
	Source string

	// Version is the schema version number.
	Version int

	// Description explains the event's purpose.
	Description string

	// PayloadType is the expected Go type for the payload.
	PayloadType any

	// Validator is an optional custom validation function.
	Validator func(Event) error

	// Compatible lists backward-compatible versions.
	// A consumer at version N can read events at versions in Compatible.
	Compatible []int

	// Deprecated marks the schema as deprecated.
	Deprecated bool
}

// IsCompatibleWith returns true if this schema can read events at the given version.
func (s *EventSchema) IsCompatibleWith(version int) bool {
	if version == s.Version {
		return true
	}
	for _, v := range s.Compatible {
		if v == version {
			return true
		}
	}
	return false
}

// Validate checks if an event conforms to this schema.
// Violations are permanent errors: retrying a malformed event is useless.
func (s *EventSchema) Validate(evt Event) error {
	if evt.Type() != s.Type {
		return &mferrors.SchemaError{
			EventType: evt.Type(),
			Message:   fmt.Sprintf("type mismatch: schema is for %s", s.Type),
		}
	}

	if !s.IsCompatibleWith(evt.Version()) {
		return &mferrors.SchemaError{
			EventType: evt.Type(),
			Message:   fmt.Sprintf("incompatible version: schema %d, event %d", s.Version, evt.Version()),
		}
	}

	if s.Validator != nil {
		if err := s.Validator(evt); err != nil {
			return &mferrors.SchemaError{
				EventType: evt.Type(),
				Message:   err.Error(),
			}
		}
	}

	return nil
}

// SchemaRegistry manages versioned event type definitions.
type SchemaRegistry struct {
	mu sync.RWMutex

	// schemas maps event type -> latest schema
	schemas map[string]*EventSchema

	// versions maps event type -> version -> schema
	versions map[string]map[int]*EventSchema
}

// NewSchemaRegistry creates a new schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		schemas:  make(map[string]*EventSchema),
		versions: make(map[string]map[int]*EventSchema),
	}
}

// Register adds an event schema to the registry.
// If a schema with the same type and version exists, it's replaced.
func (r *SchemaRegistry) Register(schema *EventSchema) error {
	if schema.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if schema.Version <= 0 {
		return fmt.Errorf("schema version must be positive")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.versions[schema.Type] == nil {
		r.versions[schema.Type] = make(map[int]*EventSchema)
	}
	r.versions[schema.Type][schema.Version] = schema

	latest, ok := r.schemas[schema.Type]
	if !ok || schema.Version >= latest.Version {
		r.schemas[schema.Type] = schema
	}

	return nil
}

// MustRegister registers a schema, panicking on error.
func (r *SchemaRegistry) MustRegister(schema *EventSchema) {
	if err := r.Register(schema); err != nil {
		panic(err)
	}
}

// Get returns the latest schema for an event type.
func (r *SchemaRegistry) Get(eventType string) (*EventSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[eventType]
	return s, ok
}

// GetVersion returns a specific schema version.
func (r *SchemaRegistry) GetVersion(eventType string, version int) (*EventSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVersion, ok := r.versions[eventType]
	if !ok {
		return nil, false
	}
	s, ok := byVersion[version]
	return s, ok
}

// Types returns all registered event types.
func (r *SchemaRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	return types
}

// Validate checks an event against its registered schema.
// Unregistered event types pass validation.
func (r *SchemaRegistry) Validate(evt Event) error {
	schema, ok := r.Get(evt.Type())
	if !ok {
		return nil
	}
	return schema.Validate(evt)
}
