package benchmarks

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/sentriq/maintflow/pkg/maintflow/event"
)

// BenchmarkPublish_SingleSubscriber measures publish-to-delivery
// throughput with one subscriber.
func BenchmarkPublish_SingleSubscriber(b *testing.B) {
	benchmarkFanOut(b, 1)
}

// BenchmarkPublish_FanOut_4 measures throughput with 4 subscribers on
// the same event type.
func BenchmarkPublish_FanOut_4(b *testing.B) {
	benchmarkFanOut(b, 4)
}

// BenchmarkPublish_FanOut_16 measures throughput with 16 subscribers.
func BenchmarkPublish_FanOut_16(b *testing.B) {
	benchmarkFanOut(b, 16)
}

// BenchmarkPublish_NoSubscribers measures the cost of publishing into
// the void.
func BenchmarkPublish_NoSubscribers(b *testing.B) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bus.Publish(ctx, event.New("bench.event", "bench", i))
	}
}

// BenchmarkEventCreation measures event construction overhead,
// including UUID generation and self-correlation.
func BenchmarkEventCreation(b *testing.B) {
	for i := 0; i < b.N; i++ {
		event.New("bench.event", "bench", i)
	}
}

// BenchmarkEventChain measures derived-event construction, which
// copies correlation and sets causation.
func BenchmarkEventChain(b *testing.B) {
	parent := event.New("bench.event", "bench", 0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		event.NewFromParent(parent, "bench.derived", "bench", i)
	}
}

func benchmarkFanOut(b *testing.B, subscribers int) {
	bus := event.NewBus(event.BusConfig{BufferSize: 4096})
	defer bus.Close()
	ctx := context.Background()

	var delivered int64
	subs := make([]event.Subscription, 0, subscribers)
	for i := 0; i < subscribers; i++ {
		sub, err := bus.Subscribe(fmt.Sprintf("bench-%d", i), "bench.event",
			event.HandlerFunc(func(context.Context, event.Event) ([]event.Event, error) {
				atomic.AddInt64(&delivered, 1)
				return nil, nil
			}))
		if err != nil {
			b.Fatal(err)
		}
		subs = append(subs, sub)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := bus.Publish(ctx, event.New("bench.event", "bench", i)); err != nil {
			b.Fatal(err)
		}
	}
	for _, sub := range subs {
		if err := sub.Quiesce(ctx); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()

	if got := atomic.LoadInt64(&delivered); got != int64(b.N*subscribers) {
		b.Fatalf("delivered %d, want %d", got, b.N*subscribers)
	}
}
