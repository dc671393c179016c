package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
	"github.com/sentriq/maintflow/pkg/maintflow/event"
)

// BaseConfig configures a BaseAgent.
type BaseConfig struct {
	// ID is the agent's stable identifier, e.g. "validation-agent".
	ID string

	// Bus is the event bus the agent subscribes and publishes on.
	Bus event.Bus

	// Registry receives the agent's descriptor and heartbeats. Optional.
	Registry *Registry

	// Logger is the agent's structured logger. Defaults to slog.Default.
	Logger *slog.Logger

	// StopGrace bounds how long Stop waits for in-flight deliveries.
	// Default: 30s
	StopGrace time.Duration

	// HeartbeatInterval is how often the agent reports liveness.
	// Default: 10s
	HeartbeatInterval time.Duration

	// Middleware wraps every handler the agent subscribes, first entry
	// outermost. Applied inside the base's panic recovery.
	Middleware []event.MiddlewareFunc
}

type handlerSpec struct {
	eventType string
	handler   event.Handler
	opts      []event.SubscribeOption
}

// BaseAgent implements the lifecycle shared by every pipeline agent.
// Concrete agents embed it, register handlers with Handle before Start,
// and let the base manage subscriptions, heartbeats, and shutdown.
//
// Start and Stop are idempotent. Handlers run wrapped with panic
// recovery: a panicking handler yields a permanent error for that event
// instead of taking the process down.
type BaseAgent struct {
	cfg    BaseConfig
	logger *slog.Logger

	mu        sync.Mutex
	status    Status
	lastErr   error
	lastErrAt time.Time
	specs     []handlerSpec
	subs      []event.Subscription
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewBase creates a BaseAgent. The agent is inert until Start.
func NewBase(cfg BaseConfig) *BaseAgent {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseAgent{
		cfg:    cfg,
		logger: logger.With("agent_id", cfg.ID),
		status: StatusStopped,
	}
}

// ID implements Agent.
func (a *BaseAgent) ID() string { return a.cfg.ID }

// Status implements Agent.
func (a *BaseAgent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Health implements Agent: the current status plus a summary of the
// most recent handler error.
func (a *BaseAgent) Health() Health {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := Health{AgentID: a.cfg.ID, Status: a.status}
	if a.lastErr != nil {
		h.LastError = a.lastErr.Error()
		h.LastErrorAt = a.lastErrAt
	}
	return h
}

// Logger returns the agent's logger, pre-tagged with the agent ID.
func (a *BaseAgent) Logger() *slog.Logger { return a.logger }

// Bus returns the agent's event bus.
func (a *BaseAgent) Bus() event.Bus { return a.cfg.Bus }

// Handle registers a handler for an event type. Must be called before
// Start; registrations while running are rejected.
func (a *BaseAgent) Handle(eventType string, handler event.Handler, opts ...event.SubscribeOption) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status != StatusStopped {
		return fmt.Errorf("agent %s: handlers must be registered before start", a.cfg.ID)
	}
	a.specs = append(a.specs, handlerSpec{eventType: eventType, handler: handler, opts: opts})
	return nil
}

// Start implements Agent: subscribes every registered handler, records
// the agent in the registry, and begins heartbeating.
func (a *BaseAgent) Start(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == StatusRunning || a.status == StatusStarting || a.status == StatusDegraded {
		return nil
	}
	if a.cfg.Bus == nil {
		return fmt.Errorf("agent %s: no bus configured", a.cfg.ID)
	}
	a.status = StatusStarting

	capabilities := make([]string, 0, len(a.specs))
	for _, spec := range a.specs {
		handler := event.ChainMiddleware(spec.handler, a.cfg.Middleware...)
		sub, err := a.cfg.Bus.Subscribe(a.cfg.ID, spec.eventType, a.wrap(handler), spec.opts...)
		if err != nil {
			for _, prev := range a.subs {
				prev.Unsubscribe()
			}
			a.subs = nil
			a.status = StatusStopped
			return fmt.Errorf("agent %s: subscribe %s: %w", a.cfg.ID, spec.eventType, err)
		}
		a.subs = append(a.subs, sub)
		capabilities = append(capabilities, spec.eventType)
	}

	if a.cfg.Registry != nil {
		a.cfg.Registry.Register(Descriptor{
			AgentID:      a.cfg.ID,
			Capabilities: capabilities,
			Status:       StatusRunning,
		})
	}

	a.stopCh = make(chan struct{})
	a.wg.Add(1)
	go a.heartbeat(a.stopCh)

	a.status = StatusRunning
	a.logger.Info("agent started", "capabilities", capabilities)
	return nil
}

// Stop implements Agent: drains in-flight deliveries up to the grace
// period, unsubscribes, and marks the agent stopped in the registry.
func (a *BaseAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.status == StatusStopped {
		a.mu.Unlock()
		return nil
	}
	a.status = StatusStopped
	subs := a.subs
	a.subs = nil
	stopCh := a.stopCh
	a.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	a.wg.Wait()

	graceCtx, cancel := context.WithTimeout(ctx, a.cfg.StopGrace)
	defer cancel()
	for _, sub := range subs {
		if err := sub.Quiesce(graceCtx); err != nil {
			a.logger.Warn("shutdown grace expired with work in flight",
				"event_type", sub.EventType(), "pending", sub.Pending())
		}
		sub.Unsubscribe()
	}

	if a.cfg.Registry != nil {
		_ = a.cfg.Registry.SetStatus(a.cfg.ID, StatusStopped)
	}

	a.logger.Info("agent stopped")
	return nil
}

// MarkDegraded flips the agent between running and degraded, e.g. while
// a model source is down and the statistical fallback is in use.
func (a *BaseAgent) MarkDegraded(degraded bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case degraded && a.status == StatusRunning:
		a.status = StatusDegraded
	case !degraded && a.status == StatusDegraded:
		a.status = StatusRunning
	default:
		return
	}
	if a.cfg.Registry != nil {
		_ = a.cfg.Registry.SetStatus(a.cfg.ID, a.status)
	}
}

// wrap adds panic recovery, delivery logging, and last-error tracking
// around a handler.
func (a *BaseAgent) wrap(next event.Handler) event.Handler {
	return event.HandlerFunc(func(ctx context.Context, evt event.Event) (derived []event.Event, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = mferrors.Permanent(
					fmt.Errorf("handler panic: %v", r),
					fmt.Sprintf("%s handling %s", a.cfg.ID, evt.Type()),
				)
				a.logger.Error("handler panicked",
					"event_type", evt.Type(),
					"event_id", evt.ID(),
					"correlation_id", evt.CorrelationID(),
					"panic", r)
			}
			if err != nil {
				a.mu.Lock()
				a.lastErr = err
				a.lastErrAt = time.Now()
				a.mu.Unlock()
			}
		}()

		derived, err = next.Handle(ctx, evt)
		if err != nil {
			a.logger.Warn("event handling failed",
				"event_type", evt.Type(),
				"event_id", evt.ID(),
				"correlation_id", evt.CorrelationID(),
				"category", mferrors.Categorize(err).String(),
				"error", err)
		}
		return derived, err
	})
}

func (a *BaseAgent) heartbeat(stopCh chan struct{}) {
	defer a.wg.Done()

	if a.cfg.Registry == nil {
		return
	}
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = a.cfg.Registry.Heartbeat(a.cfg.ID, time.Now())
		case <-stopCh:
			return
		}
	}
}
