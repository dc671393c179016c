package event

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// PoisonDetector identifies events whose payloads consistently fail, so
// the bus can route them straight to the DLQ instead of burning retries
// on every redelivery.
type PoisonDetector struct {
	mu       sync.RWMutex
	failures map[string]*failureRecord
	cfg      PoisonConfig
}

// failureRecord tracks failures for a specific payload hash.
type failureRecord struct {
	Hash         string
	EventType    string
	FailureCount int
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// PoisonConfig configures poison-pill detection.
type PoisonConfig struct {
	// FailureThreshold is the number of dead-letterings before identical
	// payloads are short-circuited.
	// Default: 3
	FailureThreshold int

	// WindowDuration is how long failures are remembered.
	// Default: 1 hour
	WindowDuration time.Duration

	// HashFunc customizes how event content is hashed.
	// Default: SHA256 of type + payload bytes.
	HashFunc func(Event) string

	// OnDetect is called when a poison pill is identified.
	OnDetect func(Event, int)
}

// DefaultPoisonConfig provides reasonable defaults.
var DefaultPoisonConfig = PoisonConfig{
	FailureThreshold: 3,
	WindowDuration:   1 * time.Hour,
}

// NewPoisonDetector creates a new detector.
func NewPoisonDetector(cfg PoisonConfig) *PoisonDetector {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultPoisonConfig.FailureThreshold
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = DefaultPoisonConfig.WindowDuration
	}
	if cfg.HashFunc == nil {
		cfg.HashFunc = defaultHashFunc
	}

	return &PoisonDetector{
		failures: make(map[string]*failureRecord),
		cfg:      cfg,
	}
}

// Record logs a dead-lettering for the event's payload hash.
func (d *PoisonDetector) Record(evt Event) {
	hash := d.cfg.HashFunc(evt)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.failures[hash]
	if !ok || now.Sub(rec.FirstSeenAt) > d.cfg.WindowDuration {
		rec = &failureRecord{
			Hash:        hash,
			EventType:   evt.Type(),
			FirstSeenAt: now,
		}
		d.failures[hash] = rec
	}
	rec.FailureCount++
	rec.LastSeenAt = now

	if rec.FailureCount >= d.cfg.FailureThreshold && d.cfg.OnDetect != nil {
		d.cfg.OnDetect(evt, rec.FailureCount)
	}
}

// Check returns true if the event's payload has failed at or beyond the
// threshold within the window.
func (d *PoisonDetector) Check(evt Event) (bool, int) {
	hash := d.cfg.HashFunc(evt)

	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.failures[hash]
	if !ok {
		return false, 0
	}
	if time.Since(rec.FirstSeenAt) > d.cfg.WindowDuration {
		return false, rec.FailureCount
	}
	return rec.FailureCount >= d.cfg.FailureThreshold, rec.FailureCount
}

// Clear resets failure tracking after a successful delivery.
func (d *PoisonDetector) Clear(evt Event) {
	hash := d.cfg.HashFunc(evt)

	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, hash)
}

// defaultHashFunc hashes event type plus serialized payload.
func defaultHashFunc(evt Event) string {
	h := sha256.New()
	h.Write([]byte(evt.Type()))
	h.Write(evt.DataBytes())
	return hex.EncodeToString(h.Sum(nil))
}
