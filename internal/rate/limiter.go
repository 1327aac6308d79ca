package rate

import (
	"context"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"
)

// Config defines rate limiting parameters for one marketplace key.
type Config struct {
	RequestsPerSecond int
	Burst             int
	Cooldown          time.Duration // extra pause after the venue answers 429
}

// Limiter is a token bucket with an optional cooldown window.
type Limiter struct {
	bucket   *xrate.Limiter
	cooldown time.Duration

	mu         sync.Mutex
	blockUntil time.Time
}

// New creates a new limiter.
func New(cfg Config) *Limiter {
	limit := xrate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = xrate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		bucket:   xrate.NewLimiter(limit, burst),
		cooldown: cfg.Cooldown,
	}
}

// Allow reports whether a call may happen now, consuming a token if so.
func (l *Limiter) Allow() bool {
	if l.cooling() > 0 {
		return false
	}
	return l.bucket.Allow()
}

// Wait blocks until a token becomes available or context is canceled.
func (l *Limiter) Wait(ctx context.Context) error {
	if d := l.cooling(); d > 0 {
		if err := Pause(ctx, d); err != nil {
			return err
		}
	}
	return l.bucket.Wait(ctx)
}

// Throttled starts the cooldown window. Called when the venue rate-limits us.
func (l *Limiter) Throttled() {
	if l.cooldown <= 0 {
		return
	}
	l.mu.Lock()
	l.blockUntil = time.Now().Add(l.cooldown)
	l.mu.Unlock()
}

func (l *Limiter) cooling() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Until(l.blockUntil)
}

// Manager holds per-key limiters.
type Manager struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	defaults Config
}

func NewManager(defaults Config) *Manager {
	return &Manager{
		limiters: make(map[string]*Limiter),
		defaults: defaults,
	}
}

func (m *Manager) GetLimiter(key string) *Limiter {
	m.mu.RLock()
	if lim, ok := m.limiters[key]; ok {
		m.mu.RUnlock()
		return lim
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if lim, ok := m.limiters[key]; ok {
		return lim
	}
	lim := New(m.defaults)
	m.limiters[key] = lim
	return lim
}

// Wait ensures rate limit compliance for a given key.
func (m *Manager) Wait(ctx context.Context, key string) error {
	return m.GetLimiter(key).Wait(ctx)
}

// Throttled puts key into cooldown.
func (m *Manager) Throttled(key string) {
	m.GetLimiter(key).Throttled()
}

// Pause sleeps for d unless ctx ends first. A zero or negative d returns immediately.
func Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
