package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LM request performance and response times
//   - Tool-server call patterns and latencies
//   - Sandbox runs and re-entry counts
//   - Budget exhaustion events
//   - Error rates categorized by type and component
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordToolCall("search", "srv1", "success", elapsed.Seconds())
type Metrics struct {
	// LLMRequestDuration measures LM API call latency in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LM requests by model and status.
	// Labels: model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolCallCounter counts tool-server invocations.
	// Labels: tool, server, status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool-server call time in seconds.
	// Labels: tool, server
	ToolCallDuration *prometheus.HistogramVec

	// SandboxRunCounter counts sandbox executions by outcome.
	// Labels: status (success|timeout|call_limit|execution_error)
	SandboxRunCounter *prometheus.CounterVec

	// SandboxReentries observes tool re-entries per sandbox run.
	SandboxReentries prometheus.Histogram

	// BudgetExhausted counts requests that hit the downstream-call budget.
	BudgetExhausted prometheus.Counter

	// OrchestrationIterations observes loop iterations per request.
	OrchestrationIterations prometheus.Histogram

	// ErrorCounter tracks errors by component and error type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// ActiveSessions is a gauge tracking sessions with an in-flight request.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics with the given
// registerer. Call once at startup with prometheus.DefaultRegisterer; tests
// pass their own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_llm_request_duration_seconds",
				Help:    "Duration of LM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_llm_requests_total",
				Help: "Total number of LM requests by model and status",
			},
			[]string{"model", "status"},
		),

		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_calls_total",
				Help: "Total number of tool-server calls by tool, server, and status",
			},
			[]string{"tool", "server", "status"},
		),

		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_call_duration_seconds",
				Help:    "Duration of tool-server calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool", "server"},
		),

		SandboxRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_sandbox_runs_total",
				Help: "Total number of sandbox script executions by outcome",
			},
			[]string{"status"},
		),

		SandboxReentries: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_sandbox_reentries",
				Help:    "Tool re-entries per sandbox run",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 10, 15, 20},
			},
		),

		BudgetExhausted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_budget_exhausted_total",
				Help: "Requests that reached the downstream-call budget",
			},
		),

		OrchestrationIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_orchestration_iterations",
				Help:    "LM loop iterations per request",
				Buckets: []float64{1, 2, 3, 5, 8, 10},
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_active_sessions",
				Help: "Sessions with an in-flight request",
			},
		),
	}
}

// RecordLLMRequest records one LM API call.
func (m *Metrics) RecordLLMRequest(model, status string, durationSeconds float64) {
	m.LLMRequestCounter.WithLabelValues(model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(model).Observe(durationSeconds)
}

// RecordToolCall records one tool-server invocation.
func (m *Metrics) RecordToolCall(tool, server, status string, durationSeconds float64) {
	m.ToolCallCounter.WithLabelValues(tool, server, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool, server).Observe(durationSeconds)
}

// RecordSandboxRun records one sandbox execution.
func (m *Metrics) RecordSandboxRun(status string, reentries int) {
	m.SandboxRunCounter.WithLabelValues(status).Inc()
	m.SandboxReentries.Observe(float64(reentries))
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records one handled HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
