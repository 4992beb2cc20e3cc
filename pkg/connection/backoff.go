package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff defaults.
const (
	// DefaultInitialBackoff is the initial reconnection delay.
	DefaultInitialBackoff = 1 * time.Second

	// DefaultMaxBackoff is the maximum reconnection delay.
	DefaultMaxBackoff = 60 * time.Second

	// DefaultBackoffMultiplier is the factor by which backoff increases.
	DefaultBackoffMultiplier = 2.0

	// DefaultJitterFactor is the maximum jitter as a fraction of base delay.
	DefaultJitterFactor = 0.25
)

// BackoffConfig customizes backoff parameters. Zero values fall back
// to the package defaults.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Backoff produces exponentially growing reconnection delays. The base
// delay for attempt n is Initial scaled by Multiplier n times, capped
// at Max; a random jitter fraction is added on top so peers that lost
// the same server do not reconnect in lockstep.
type Backoff struct {
	mu       sync.Mutex
	cfg      BackoffConfig
	attempts int
	rng      *rand.Rand
}

// NewBackoff creates a backoff calculator with default settings.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{})
}

// NewBackoffWithConfig creates a backoff calculator with custom settings.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultInitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMaxBackoff
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultBackoffMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &Backoff{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay for the current attempt and advances the
// attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := float64(b.cfg.Initial)
	limit := float64(b.cfg.Max)
	for i := 0; i < b.attempts && base < limit; i++ {
		base *= b.cfg.Multiplier
	}
	if base > limit {
		base = limit
	}
	b.attempts++

	if b.cfg.Jitter > 0 {
		base += base * b.cfg.Jitter * b.rng.Float64()
	}
	return time.Duration(base)
}

// Reset rewinds the backoff to its initial delay.
// Call this after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns the number of backoff attempts since last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
