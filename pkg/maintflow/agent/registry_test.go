package agent

import (
	"errors"
	"testing"
	"time"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{
		AgentID:      "validation-agent",
		Capabilities: []string{"anomaly.detected"},
		Status:       StatusRunning,
	})

	d, err := r.Get("validation-agent")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if d.Status != StatusRunning {
		t.Errorf("Status = %v", d.Status)
	}
	if d.RegisteredAt.IsZero() || d.LastHeartbeat.IsZero() {
		t.Error("timestamps not defaulted")
	}

	// Returned descriptors are copies.
	d.Capabilities[0] = "mutated"
	again, _ := r.Get("validation-agent")
	if again.Capabilities[0] != "anomaly.detected" {
		t.Error("registry state mutated through a returned copy")
	}
}

func TestGetUnknownAgent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("ghost")
	if err == nil {
		t.Fatal("expected an error")
	}
	var notFound *ErrAgentNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("error is %T, want *ErrAgentNotFound", err)
	}
	if notFound.AgentID != "ghost" {
		t.Errorf("AgentID = %s", notFound.AgentID)
	}
}

func TestListOrderedByID(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{AgentID: "scheduling-agent"})
	r.Register(Descriptor{AgentID: "acquisition-agent"})
	r.Register(Descriptor{AgentID: "prediction-agent"})

	list := r.List()
	want := []string{"acquisition-agent", "prediction-agent", "scheduling-agent"}
	for i := range want {
		if list[i].AgentID != want[i] {
			t.Fatalf("List() order = %v", list)
		}
	}
}

func TestByCapability(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{AgentID: "validation-agent", Capabilities: []string{"anomaly.detected"}})
	r.Register(Descriptor{AgentID: "orchestrator", Capabilities: []string{"anomaly.detected", "anomaly.validated"}})
	r.Register(Descriptor{AgentID: "scheduling-agent", Capabilities: []string{"maintenance.predicted"}})

	got := r.ByCapability("anomaly.detected")
	if len(got) != 2 {
		t.Fatalf("got %d agents, want 2", len(got))
	}
	if got[0].AgentID != "orchestrator" || got[1].AgentID != "validation-agent" {
		t.Errorf("ByCapability order = %v, %v", got[0].AgentID, got[1].AgentID)
	}
}

func TestHeartbeatAndStale(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{AgentID: "fresh"})
	r.Register(Descriptor{AgentID: "silent"})
	r.Register(Descriptor{AgentID: "stopped", Status: StatusStopped})

	past := time.Now().Add(-time.Minute)
	if err := r.Heartbeat("silent", past); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := r.Heartbeat("stopped", past); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := r.Heartbeat("ghost", time.Now()); err == nil {
		t.Error("heartbeat for unknown agent accepted")
	}

	stale := r.Stale(30 * time.Second)
	if len(stale) != 1 || stale[0].AgentID != "silent" {
		t.Errorf("Stale() = %v", stale)
	}
}

func TestSetStatusAndDeregister(t *testing.T) {
	r := NewRegistry()
	r.Register(Descriptor{AgentID: "a", Status: StatusRunning})

	if err := r.SetStatus("a", StatusDegraded); err != nil {
		t.Fatalf("set status failed: %v", err)
	}
	d, _ := r.Get("a")
	if d.Status != StatusDegraded {
		t.Errorf("Status = %v, want degraded", d.Status)
	}

	r.Deregister("a")
	if _, err := r.Get("a"); err == nil {
		t.Error("deregistered agent still present")
	}
}
