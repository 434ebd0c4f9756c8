// Package ratelimit provides per-tenant, per-tool usage limiting.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures the limiter.
type Config struct {
	// Window is the fixed window length.
	Window time.Duration `json:"window"`

	// DefaultLimit is the allowed invocations per window when no
	// per-call limit is supplied.
	DefaultLimit int `json:"default_limit"`
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		Window:       time.Minute,
		DefaultLimit: 30,
	}
}

type key struct {
	tenant string
	tool   string
}

type window struct {
	start time.Time
	count int
}

// Limiter counts invocations per (tenant, tool) in fixed windows. The
// check-and-increment is atomic under the limiter's lock: concurrent
// executions for the same key cannot both consume the final slot.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[key]*window
	now     func() time.Time
}

// NewLimiter creates a limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 30
	}
	return &Limiter{
		cfg:     cfg,
		windows: make(map[key]*window),
		now:     time.Now,
	}
}

// Allow atomically checks and increments the counter for (tenant, tool).
// limit <= 0 uses the configured default. When the window is exhausted it
// returns false and the duration until the window resets.
func (l *Limiter) Allow(tenant, tool string, limit int) (bool, time.Duration) {
	if limit <= 0 {
		limit = l.cfg.DefaultLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key{tenant: tenant, tool: tool}

	w, ok := l.windows[k]
	if !ok || now.Sub(w.start) >= l.cfg.Window {
		w = &window{start: now}
		l.windows[k] = w
	}

	if w.count >= limit {
		retryAfter := l.cfg.Window - now.Sub(w.start)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	w.count++
	return true, 0
}

// Usage returns the current count in the active window for (tenant, tool).
func (l *Limiter) Usage(tenant, tool string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key{tenant: tenant, tool: tool}]
	if !ok || l.now().Sub(w.start) >= l.cfg.Window {
		return 0
	}
	return w.count
}

// Sweep removes expired windows and returns how many were dropped.
// Intended to run periodically so the key space does not grow unbounded.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for k, w := range l.windows {
		if now.Sub(w.start) >= l.cfg.Window {
			delete(l.windows, k)
			dropped++
		}
	}
	return dropped
}
