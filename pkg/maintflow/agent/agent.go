// Package agent provides the runtime every pipeline agent is built on:
// a lifecycle base with idempotent start/stop, panic-safe event
// handling, and heartbeats into a shared agent registry.
package agent

import (
	"context"
	"time"
)

// Status is an agent's lifecycle state.
type Status string

// Agent lifecycle states.
const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusStopped  Status = "stopped"
)

// Agent is the interface every pipeline agent implements.
type Agent interface {
	// ID returns the agent's stable identifier.
	ID() string

	// Start subscribes the agent's handlers and begins heartbeating.
	// Safe to call more than once.
	Start(ctx context.Context) error

	// Stop drains in-flight work, unsubscribes, and deregisters.
	// Safe to call more than once.
	Stop(ctx context.Context) error

	// Status returns the current lifecycle state.
	Status() Status

	// Health returns the current status plus a summary of the most
	// recent handler error, if any. Non-blocking.
	Health() Health
}

// Health is a point-in-time snapshot of an agent's condition.
type Health struct {
	AgentID     string
	Status      Status
	LastError   string    // summary of the most recent handler error, "" if none
	LastErrorAt time.Time // zero when LastError is empty
}

// Descriptor is the registry's view of one agent.
type Descriptor struct {
	AgentID       string
	Capabilities  []string // subscribed event types
	Status        Status
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}
