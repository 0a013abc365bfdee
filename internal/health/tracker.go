// Package health tracks per-server call outcomes and drives the
// circuit-breaker gate used before tool dispatch.
package health

import (
	"sync"
	"time"
)

// DefaultFailureThreshold is the number of consecutive failures that flips
// a server to unhealthy.
const DefaultFailureThreshold = 3

// ServerStats holds the raw per-server counters.
type ServerStats struct {
	TotalCalls          int
	FailedCalls         int
	TotalResponseMillis int64
	ConsecutiveFailures int
	LastSuccess         time.Time
	LastFailure         time.Time
	LastError           string
}

// ServerSummary is the reporting view of one server's health.
type ServerSummary struct {
	Healthy              bool    `json:"healthy"`
	TotalCalls           int     `json:"total_calls"`
	FailureRate          float64 `json:"failure_rate"`
	AvgResponseMillis    float64 `json:"avg_response_ms_on_success"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
	LastError            string  `json:"last_error,omitempty"`
}

// Tracker records success/failure per server and answers circuit-breaker
// queries. A tracker is owned by one request but tool fan-out touches it
// from multiple goroutines, so it locks internally.
type Tracker struct {
	mu        sync.Mutex
	threshold int
	servers   map[string]*ServerStats
	now       func() time.Time
}

// NewTracker creates a tracker with the given consecutive-failure threshold.
// A threshold <= 0 uses DefaultFailureThreshold.
func NewTracker(threshold int) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Tracker{
		threshold: threshold,
		servers:   make(map[string]*ServerStats),
		now:       time.Now,
	}
}

func (t *Tracker) stats(serverID string) *ServerStats {
	s, ok := t.servers[serverID]
	if !ok {
		s = &ServerStats{}
		t.servers[serverID] = s
	}
	return s
}

// RecordSuccess records a successful call and re-closes the breaker.
func (t *Tracker) RecordSuccess(serverID string, elapsed time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats(serverID)
	s.TotalCalls++
	s.TotalResponseMillis += elapsed.Milliseconds()
	s.ConsecutiveFailures = 0
	s.LastSuccess = t.now()
}

// RecordFailure records a failed call.
func (t *Tracker) RecordFailure(serverID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats(serverID)
	s.TotalCalls++
	s.FailedCalls++
	s.ConsecutiveFailures++
	s.LastFailure = t.now()
	if err != nil {
		s.LastError = err.Error()
	}
}

// IsHealthy reports whether the server may be called. Unknown servers are
// healthy.
func (t *Tracker) IsHealthy(serverID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.servers[serverID]
	if !ok {
		return true
	}
	return s.ConsecutiveFailures < t.threshold
}

// Summary returns the per-server reporting view.
func (t *Tracker) Summary() map[string]ServerSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]ServerSummary, len(t.servers))
	for id, s := range t.servers {
		summary := ServerSummary{
			Healthy:             s.ConsecutiveFailures < t.threshold,
			TotalCalls:          s.TotalCalls,
			ConsecutiveFailures: s.ConsecutiveFailures,
			LastError:           s.LastError,
		}
		if s.TotalCalls > 0 {
			summary.FailureRate = float64(s.FailedCalls) / float64(s.TotalCalls)
		}
		if succeeded := s.TotalCalls - s.FailedCalls; succeeded > 0 {
			summary.AvgResponseMillis = float64(s.TotalResponseMillis) / float64(succeeded)
		}
		out[id] = summary
	}
	return out
}
