package rate

import (
	"context"
	"sync"
	"time"
)

// Config defines rate limiting parameters for one upstream host.
type Config struct {
	RequestsPerSecond int
	Burst             int
}

// Limiter implements a token bucket rate limiter that can additionally be
// blocked outright until a point in time, as upstreams demand after an
// error-limit response.
type Limiter struct {
	mu           sync.Mutex
	tokens       float64
	last         time.Time
	rate         float64
	burst        float64
	blockedUntil time.Time
	now          func() time.Time
}

// New creates a new limiter.
func New(cfg Config) *Limiter {
	return newLimiter(cfg, time.Now)
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	return &Limiter{
		tokens: float64(cfg.Burst),
		last:   now(),
		rate:   float64(cfg.RequestsPerSecond),
		burst:  float64(cfg.Burst),
		now:    now,
	}
}

func (l *Limiter) Allow() bool {
	_, ok := l.take()
	return ok
}

// take consumes a token if one is available. Otherwise it reports how long
// until the next one should be.
func (l *Limiter) take() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	l.last = now

	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}

	if now.Before(l.blockedUntil) {
		return l.blockedUntil.Sub(now), false
	}

	if l.tokens >= 1 {
		l.tokens -= 1
		return 0, true
	}
	if l.rate <= 0 {
		return 50 * time.Millisecond, false
	}
	return time.Duration((1 - l.tokens) / l.rate * float64(time.Second)), false
}

// Block refuses every token until d has passed.
func (l *Limiter) Block(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.now().Add(d)
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
}

// Wait blocks until a token becomes available or context is canceled.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		delay, ok := l.take()
		if ok {
			return nil
		}
		if delay < time.Millisecond {
			delay = time.Millisecond
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Manager holds per-host limiters.
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

// Block pauses all requests under key for d.
func (m *Manager) Block(key string, d time.Duration) {
	m.GetLimiter(key).Block(d)
}
