// Package ratelimit provides fixed-window rate limiting for admin requests.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// Window is the fixed-window length.
	Window time.Duration `yaml:"window"`
	// Max is the number of requests allowed per window.
	Max int `yaml:"max"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Window:  time.Minute,
		Max:     100,
		Enabled: true,
	}
}

// window is one key's fixed window: requests are counted from the window
// start; once the window elapses the count restarts.
type window struct {
	start time.Time
	count int
}

// Limiter manages fixed-window rate limits for multiple keys (organizations).
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	config  Config
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Max <= 0 {
		config.Max = 100
	}
	return &Limiter{
		windows: make(map[string]*window),
		config:  config,
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow checks whether a request for the given key fits in the current
// window and counts it if so.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.windows[key]
	if !exists {
		if len(l.windows) >= l.maxKeys {
			l.prune(now)
		}
		w = &window{start: now}
		l.windows[key] = w
	}

	if now.Sub(w.start) >= l.config.Window {
		w.start = now
		w.count = 0
	}

	if w.count >= l.config.Max {
		return false
	}
	w.count++
	return true
}

// reset clears the window for a key.
func (l *Limiter) reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Status is the point-in-time rate-limit state for a key.
type Status struct {
	Key        string        `json:"key"`
	AllowedNow bool          `json:"allowed_now"`
	Remaining  int           `json:"remaining"`
	ResetAfter time.Duration `json:"reset_after"`
}

// GetStatus returns the rate-limit status for a key without counting a
// request.
func (l *Limiter) GetStatus(key string) Status {
	if !l.config.Enabled {
		return Status{Key: key, AllowedNow: true, Remaining: l.config.Max}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, exists := l.windows[key]
	if !exists || now.Sub(w.start) >= l.config.Window {
		return Status{Key: key, AllowedNow: true, Remaining: l.config.Max, ResetAfter: 0}
	}

	remaining := l.config.Max - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Key:        key,
		AllowedNow: remaining > 0,
		Remaining:  remaining,
		ResetAfter: l.config.Window - now.Sub(w.start),
	}
}

// prune drops expired windows (must be called with lock held).
func (l *Limiter) prune(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.config.Window {
			delete(l.windows, key)
		}
	}
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
