// Package notify delivers maintenance notifications across a set of
// channels. Each channel is wrapped in a circuit breaker so a flapping
// endpoint degrades only its own channel; the dispatcher fans out to
// all registered channels and reports per-channel results rather than
// failing the whole batch.
package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sentriq/maintflow/pkg/maintflow/pipeline"
	"github.com/sentriq/maintflow/pkg/maintflow/registry"
)

// Message is one notification to deliver.
type Message struct {
	Subject  string
	Body     string
	Priority string // mirrors the task priority: "urgent", "high", "routine"
	Task     pipeline.ScheduledTask
}

// Channel delivers messages to one destination.
type Channel interface {
	// Name identifies the channel in delivery records.
	Name() string

	// Send delivers the message or returns why it could not.
	Send(ctx context.Context, msg Message) error
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// SendTimeout bounds one channel's delivery attempt.
	SendTimeout time.Duration

	// BreakerMaxFailures is how many consecutive failures open a
	// channel's breaker.
	BreakerMaxFailures uint32

	// BreakerCooldown is how long an open breaker waits before probing.
	BreakerCooldown time.Duration
}

// DefaultDispatcherConfig returns the standard dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SendTimeout:        10 * time.Second,
		BreakerMaxFailures: 3,
		BreakerCooldown:    30 * time.Second,
	}
}

// Dispatcher fans a message out to every registered channel.
type Dispatcher struct {
	cfg      DispatcherConfig
	channels *registry.Registry[string, Channel]
	breakers *registry.Registry[string, *gobreaker.CircuitBreaker]
}

// NewDispatcher creates a dispatcher with no channels registered.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultDispatcherConfig().SendTimeout
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = DefaultDispatcherConfig().BreakerMaxFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultDispatcherConfig().BreakerCooldown
	}
	return &Dispatcher{
		cfg:      cfg,
		channels: registry.New[string, Channel](),
		breakers: registry.New[string, *gobreaker.CircuitBreaker](),
	}
}

// Register adds a channel. Registering the same name again replaces the
// channel but keeps its breaker state.
func (d *Dispatcher) Register(ch Channel) {
	d.channels.Register(ch.Name(), ch)
}

// Channels returns the registered channel names, sorted.
func (d *Dispatcher) Channels() []string {
	names := d.channels.Keys()
	sort.Strings(names)
	return names
}

// Dispatch delivers the message to every channel concurrently and
// returns one delivery record per channel. It never returns an error:
// partial delivery is reported, not failed.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) []pipeline.ChannelDelivery {
	names := d.Channels()
	results := make([]pipeline.ChannelDelivery, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		ch, ok := d.channels.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, ch Channel) {
			defer wg.Done()
			results[i] = d.send(ctx, ch, msg)
		}(i, ch)
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, msg Message) pipeline.ChannelDelivery {
	breaker := d.breakers.GetOrCreate(ch.Name(), func() *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    ch.Name(),
			Timeout: d.cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= d.cfg.BreakerMaxFailures
			},
		})
	})

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	_, err := breaker.Execute(func() (any, error) {
		return nil, ch.Send(sendCtx, msg)
	})

	delivery := pipeline.ChannelDelivery{
		Channel: ch.Name(),
		OK:      err == nil,
		At:      time.Now().UTC(),
	}
	if err != nil {
		delivery.Error = err.Error()
	}
	return delivery
}
