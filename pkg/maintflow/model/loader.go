package model

import (
	"context"
	"time"

	mferrors "github.com/sentriq/maintflow/pkg/maintflow/errors"
	"github.com/sentriq/maintflow/pkg/maintflow/registry"
)

// LoaderConfig configures a CachedLoader.
type LoaderConfig struct {
	// TTL is how long a loaded model is served before a reload.
	TTL time.Duration

	// LoadTimeout bounds one recommend-plus-load round trip.
	LoadTimeout time.Duration

	// MaxConcurrentLoads bounds how many loads run at once. Callers
	// beyond the bound wait; they do not stampede the source.
	MaxConcurrentLoads int
}

// DefaultLoaderConfig returns the standard loader configuration.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		TTL:                60 * time.Minute,
		LoadTimeout:        10 * time.Second,
		MaxConcurrentLoads: 4,
	}
}

type cacheEntry struct {
	handle   Handle
	loadedAt time.Time
}

// CachedLoader serves models from a Source with TTL caching and a
// bounded load pool. All failures are reported as
// *errors.ModelUnavailableError so callers know to take the
// statistical fallback.
type CachedLoader struct {
	source Source
	cfg    LoaderConfig
	cache  *registry.Registry[string, *cacheEntry]
	sem    chan struct{}
	now    func() time.Time
}

// NewCachedLoader creates a loader over the given source.
func NewCachedLoader(source Source, cfg LoaderConfig) *CachedLoader {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLoaderConfig().TTL
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoaderConfig().LoadTimeout
	}
	if cfg.MaxConcurrentLoads <= 0 {
		cfg.MaxConcurrentLoads = DefaultLoaderConfig().MaxConcurrentLoads
	}
	return &CachedLoader{
		source: source,
		cfg:    cfg,
		cache:  registry.New[string, *cacheEntry](),
		sem:    make(chan struct{}, cfg.MaxConcurrentLoads),
		now:    time.Now,
	}
}

// Model returns a scoring handle for the sensor type, loading through
// the source on cache miss or TTL expiry.
func (l *CachedLoader) Model(ctx context.Context, sensorType string) (Handle, error) {
	if entry, ok := l.cache.Get(sensorType); ok {
		if l.now().Sub(entry.loadedAt) < l.cfg.TTL {
			return entry.handle, nil
		}
	}

	handle, err := l.load(ctx, sensorType)
	if err != nil {
		// A stale handle beats no handle. The next call retries the load.
		if entry, ok := l.cache.Get(sensorType); ok {
			return entry.handle, nil
		}
		return nil, &mferrors.ModelUnavailableError{SensorType: sensorType, Err: err}
	}

	l.cache.Register(sensorType, &cacheEntry{handle: handle, loadedAt: l.now()})
	return handle, nil
}

// Invalidate drops the cached model for a sensor type.
func (l *CachedLoader) Invalidate(sensorType string) {
	l.cache.Delete(sensorType)
}

func (l *CachedLoader) load(ctx context.Context, sensorType string) (Handle, error) {
	select {
	case l.sem <- struct{}{}:
		defer func() { <-l.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	loadCtx, cancel := context.WithTimeout(ctx, l.cfg.LoadTimeout)
	defer cancel()

	ref, err := l.source.Recommend(loadCtx, sensorType)
	if err != nil {
		return nil, err
	}
	return l.source.Load(loadCtx, ref)
}
