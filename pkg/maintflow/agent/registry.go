package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrAgentNotFound is returned when looking up an unregistered agent.
type ErrAgentNotFound struct {
	AgentID string
}

// Error implements the error interface.
func (e *ErrAgentNotFound) Error() string {
	return fmt.Sprintf("agent not found: %s", e.AgentID)
}

// Registry tracks the agents of one deployment: who is running, what
// they subscribe to, and when they last heartbeat. Lookups return
// copies so callers never share descriptor state.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Descriptor
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Descriptor)}
}

// Register adds or replaces an agent's descriptor.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now()
	}
	if d.LastHeartbeat.IsZero() {
		d.LastHeartbeat = d.RegisteredAt
	}
	copied := d
	copied.Capabilities = append([]string(nil), d.Capabilities...)
	r.agents[d.AgentID] = &copied
}

// Get returns a copy of an agent's descriptor.
func (r *Registry) Get(agentID string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.agents[agentID]
	if !ok {
		return Descriptor{}, &ErrAgentNotFound{AgentID: agentID}
	}
	return copyDescriptor(d), nil
}

// List returns every descriptor, ordered by agent ID.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Descriptor, 0, len(r.agents))
	for _, d := range r.agents {
		result = append(result, copyDescriptor(d))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}

// ByCapability returns agents subscribed to the given event type.
func (r *Registry) ByCapability(eventType string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Descriptor
	for _, d := range r.agents {
		for _, cap := range d.Capabilities {
			if cap == eventType {
				result = append(result, copyDescriptor(d))
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}

// SetStatus updates an agent's lifecycle state.
func (r *Registry) SetStatus(agentID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.agents[agentID]
	if !ok {
		return &ErrAgentNotFound{AgentID: agentID}
	}
	d.Status = status
	return nil
}

// Heartbeat records that an agent is alive.
func (r *Registry) Heartbeat(agentID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.agents[agentID]
	if !ok {
		return &ErrAgentNotFound{AgentID: agentID}
	}
	d.LastHeartbeat = at
	return nil
}

// Stale returns agents whose last heartbeat is older than the cutoff
// and that are not already stopped.
func (r *Registry) Stale(olderThan time.Duration) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-olderThan)
	var result []Descriptor
	for _, d := range r.agents {
		if d.Status != StatusStopped && d.LastHeartbeat.Before(cutoff) {
			result = append(result, copyDescriptor(d))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result
}

// Deregister removes an agent.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

func copyDescriptor(d *Descriptor) Descriptor {
	copied := *d
	copied.Capabilities = append([]string(nil), d.Capabilities...)
	return copied
}
