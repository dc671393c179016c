package model

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
)

type countingSource struct {
	loads   int32
	failing atomic.Bool
}

func (s *countingSource) Recommend(_ context.Context, sensorType string) (Ref, error) {
	if s.failing.Load() {
		return Ref{}, errors.New("registry unreachable")
	}
	return Ref{Name: sensorType, Version: "v1", SensorType: sensorType}, nil
}

func (s *countingSource) Load(_ context.Context, ref Ref) (Handle, error) {
	atomic.AddInt32(&s.loads, 1)
	return &RatioModel{ModelName: ref.String()}, nil
}

func TestCachedLoaderServesFromCache(t *testing.T) {
	src := &countingSource{}
	loader := NewCachedLoader(src, LoaderConfig{TTL: time.Hour})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := loader.Model(ctx, "vibration"); err != nil {
			t.Fatalf("load %d failed: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&src.loads); n != 1 {
		t.Errorf("source loaded %d times, want 1", n)
	}
}

func TestCachedLoaderReloadsAfterTTL(t *testing.T) {
	src := &countingSource{}
	loader := NewCachedLoader(src, LoaderConfig{TTL: time.Minute})

	clock := time.Now()
	loader.now = func() time.Time { return clock }

	ctx := context.Background()
	if _, err := loader.Model(ctx, "vibration"); err != nil {
		t.Fatalf("first load failed: %v", err)
	}

	clock = clock.Add(2 * time.Minute)
	if _, err := loader.Model(ctx, "vibration"); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if n := atomic.LoadInt32(&src.loads); n != 2 {
		t.Errorf("source loaded %d times, want 2", n)
	}
}

func TestCachedLoaderFailureIsModelUnavailable(t *testing.T) {
	src := &countingSource{}
	src.failing.Store(true)
	loader := NewCachedLoader(src, LoaderConfig{})

	_, err := loader.Model(context.Background(), "vibration")
	if err == nil {
		t.Fatal("expected an error")
	}
	var unavailable *mferrors.ModelUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error is %T, want *ModelUnavailableError", err)
	}
	if unavailable.SensorType != "vibration" {
		t.Errorf("SensorType = %s", unavailable.SensorType)
	}
}

func TestCachedLoaderServesStaleOnFailure(t *testing.T) {
	src := &countingSource{}
	loader := NewCachedLoader(src, LoaderConfig{TTL: time.Minute})

	clock := time.Now()
	loader.now = func() time.Time { return clock }

	ctx := context.Background()
	if _, err := loader.Model(ctx, "vibration"); err != nil {
		t.Fatalf("first load failed: %v", err)
	}

	// Expire the cache, then break the source. The stale handle is
	// better than nothing.
	clock = clock.Add(2 * time.Minute)
	src.failing.Store(true)

	handle, err := loader.Model(ctx, "vibration")
	if err != nil {
		t.Fatalf("stale handle not served: %v", err)
	}
	if handle == nil {
		t.Fatal("nil handle")
	}
}

func TestCachedLoaderInvalidate(t *testing.T) {
	src := &countingSource{}
	loader := NewCachedLoader(src, LoaderConfig{TTL: time.Hour})

	ctx := context.Background()
	if _, err := loader.Model(ctx, "vibration"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	loader.Invalidate("vibration")
	if _, err := loader.Model(ctx, "vibration"); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if n := atomic.LoadInt32(&src.loads); n != 2 {
		t.Errorf("source loaded %d times, want 2", n)
	}
}
