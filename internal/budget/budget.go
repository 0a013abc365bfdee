// Package budget accounts for cumulative downstream API calls made on
// behalf of one request.
package budget

import "sync"

// Defaults for per-request accounting.
const (
	DefaultLimit       = 120
	DefaultPerCall     = 12
	warnThreshold      = 0.75
	criticalThreshold  = 0.90
)

// Warning levels reported by Status.
const (
	WarningNone     = ""
	WarningWarn     = "warn"
	WarningCritical = "critical"
)

// Meta is the accounting metadata a tool server may report per call.
type Meta struct {
	DownstreamAPICalls *int
}

// Status is the point-in-time view of a budget.
type Status struct {
	Remaining      int     `json:"remaining"`
	PercentUsed    float64 `json:"percent_used"`
	Warning        string  `json:"warning,omitempty"`
	Total          int     `json:"total"`
	UsingEstimates bool    `json:"using_estimates"`
}

// Budget tracks actual and estimated downstream calls against a limit.
// Tool fan-out records from multiple goroutines, so it locks internally.
type Budget struct {
	mu             sync.Mutex
	mcpCalls       int
	actual         int
	estimated      int
	limit          int
	defaultPerCall int
}

// New creates a budget. Non-positive arguments use the defaults.
func New(limit, defaultPerCall int) *Budget {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if defaultPerCall <= 0 {
		defaultPerCall = DefaultPerCall
	}
	return &Budget{limit: limit, defaultPerCall: defaultPerCall}
}

// RecordCall accounts for one tool call. When the server reported its
// downstream call count the actual tally grows; otherwise the default
// estimate is charged.
func (b *Budget) RecordCall(meta *Meta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mcpCalls++
	if meta != nil && meta.DownstreamAPICalls != nil {
		b.actual += *meta.DownstreamAPICalls
	} else {
		b.estimated += b.defaultPerCall
	}
}

// Exceeded reports whether the budget is exhausted.
func (b *Budget) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.actual+b.estimated >= b.limit
}

// WouldExceed reports whether one more default-cost call would pass the limit.
func (b *Budget) WouldExceed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.actual+b.estimated+b.defaultPerCall > b.limit
}

// Total returns actual + estimated downstream calls.
func (b *Budget) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.actual + b.estimated
}

// Limit returns the configured limit.
func (b *Budget) Limit() int { return b.limit }

// Calls returns the number of tool calls recorded.
func (b *Budget) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mcpCalls
}

// Status returns the current accounting view.
func (b *Budget) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := b.actual + b.estimated
	pct := float64(total) / float64(b.limit)
	warning := WarningNone
	switch {
	case pct >= criticalThreshold:
		warning = WarningCritical
	case pct >= warnThreshold:
		warning = WarningWarn
	}
	remaining := b.limit - total
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Remaining:      remaining,
		PercentUsed:    pct * 100,
		Warning:        warning,
		Total:          total,
		UsingEstimates: b.estimated > 0,
	}
}
