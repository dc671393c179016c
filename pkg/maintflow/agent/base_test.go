package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
	"github.com/sentriq/maintflow/pkg/maintflow/event"
)

func testBase(t *testing.T, bus event.Bus, reg *Registry) *BaseAgent {
	t.Helper()
	return NewBase(BaseConfig{
		ID:                "test-agent",
		Bus:               bus,
		Registry:          reg,
		StopGrace:         time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
	})
}

func TestStartSubscribesAndRegisters(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()
	reg := NewRegistry()

	a := testBase(t, bus, reg)
	received := make(chan event.Event, 1)
	if err := a.Handle("test.event", event.HandlerFunc(
		func(_ context.Context, evt event.Event) ([]event.Event, error) {
			received <- evt
			return nil, nil
		})); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop(ctx)

	if a.Status() != StatusRunning {
		t.Errorf("Status = %v, want running", a.Status())
	}

	d, err := reg.Get("test-agent")
	if err != nil {
		t.Fatalf("agent not registered: %v", err)
	}
	if len(d.Capabilities) != 1 || d.Capabilities[0] != "test.event" {
		t.Errorf("Capabilities = %v", d.Capabilities)
	}

	if err := bus.Publish(ctx, event.New("test.event", "test", "x")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("subscribed handler never ran")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	a := testBase(t, bus, NewRegistry())
	ctx := context.Background()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if a.Status() != StatusStopped {
		t.Errorf("Status = %v, want stopped", a.Status())
	}
}

func TestHandleAfterStartRejected(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	a := testBase(t, bus, nil)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop(ctx)

	err := a.Handle("late.event", event.HandlerFunc(
		func(context.Context, event.Event) ([]event.Event, error) { return nil, nil }))
	if err == nil {
		t.Error("handler registration after start accepted")
	}
}

func TestPanickingHandlerBecomesPermanentError(t *testing.T) {
	var lastErr error
	errCh := make(chan error, 8)
	bus := event.NewBus(event.BusConfig{
		Retry: mferrors.NoRetry,
		OnError: func(_ event.Event, _ string, err error) {
			errCh <- err
		},
	})
	defer bus.Close()

	a := testBase(t, bus, nil)
	if err := a.Handle("test.event", event.HandlerFunc(
		func(context.Context, event.Event) ([]event.Event, error) {
			panic("boom")
		})); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop(ctx)

	if err := bus.Publish(ctx, event.New("test.event", "test", "x")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case lastErr = <-errCh:
	case <-time.After(time.Second):
		t.Fatal("handler error never surfaced")
	}
	if mferrors.Categorize(lastErr) != mferrors.CategoryPermanent {
		t.Errorf("panic categorized as %v, want permanent", mferrors.Categorize(lastErr))
	}
}

func TestHealthReportsLastHandlerError(t *testing.T) {
	errCh := make(chan error, 1)
	bus := event.NewBus(event.BusConfig{
		Retry: mferrors.NoRetry,
		OnError: func(_ event.Event, _ string, err error) {
			errCh <- err
		},
	})
	defer bus.Close()

	a := testBase(t, bus, nil)
	if err := a.Handle("test.event", event.HandlerFunc(
		func(_ context.Context, evt event.Event) ([]event.Event, error) {
			if evt.Data() == "bad" {
				return nil, mferrors.Transient(errors.New("connect refused"), "sensor gateway unreachable")
			}
			return nil, nil
		})); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop(ctx)

	h := a.Health()
	if h.AgentID != "test-agent" || h.Status != StatusRunning {
		t.Errorf("Health = %+v", h)
	}
	if h.LastError != "" || !h.LastErrorAt.IsZero() {
		t.Errorf("fresh agent reports an error: %+v", h)
	}

	if err := bus.Publish(ctx, event.New("test.event", "test", "bad")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("handler error never surfaced")
	}

	h = a.Health()
	if h.LastError == "" {
		t.Fatal("handler error not reflected in health")
	}
	if h.LastErrorAt.IsZero() {
		t.Error("LastErrorAt not recorded")
	}
}

func TestMiddlewareWrapsSubscribedHandlers(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	var mu sync.Mutex
	var order []string
	record := func(label string) {
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
	}
	mw := func(label string) event.MiddlewareFunc {
		return func(next event.Handler) event.Handler {
			return event.HandlerFunc(func(ctx context.Context, evt event.Event) ([]event.Event, error) {
				record(label)
				return next.Handle(ctx, evt)
			})
		}
	}

	done := make(chan struct{})
	a := NewBase(BaseConfig{
		ID:         "test-agent",
		Bus:        bus,
		Middleware: []event.MiddlewareFunc{mw("outer"), mw("inner")},
	})
	if err := a.Handle("test.event", event.HandlerFunc(
		func(context.Context, event.Event) ([]event.Event, error) {
			record("handler")
			close(done)
			return nil, nil
		})); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop(ctx)

	if err := bus.Publish(ctx, event.New("test.event", "test", "x")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"outer", "inner", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestHeartbeatUpdatesRegistry(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()
	reg := NewRegistry()

	a := testBase(t, bus, reg)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop(ctx)

	first, _ := reg.Get("test-agent")
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d, _ := reg.Get("test-agent")
		if d.LastHeartbeat.After(first.LastHeartbeat) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("heartbeat never advanced")
}

func TestMarkDegraded(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()
	reg := NewRegistry()

	a := testBase(t, bus, reg)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer a.Stop(ctx)

	a.MarkDegraded(true)
	if a.Status() != StatusDegraded {
		t.Errorf("Status = %v, want degraded", a.Status())
	}
	d, _ := reg.Get("test-agent")
	if d.Status != StatusDegraded {
		t.Errorf("registry status = %v, want degraded", d.Status)
	}

	a.MarkDegraded(false)
	if a.Status() != StatusRunning {
		t.Errorf("Status = %v, want running", a.Status())
	}
}

func TestStopDrainsInFlightWork(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	var processed int
	a := testBase(t, bus, nil)
	if err := a.Handle("test.event", event.HandlerFunc(
		func(context.Context, event.Event) ([]event.Event, error) {
			time.Sleep(20 * time.Millisecond)
			processed++
			return nil, nil
		})); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, event.New("test.event", "test", i)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if processed != 3 {
		t.Errorf("stop returned with %d of 3 events processed", processed)
	}
}
