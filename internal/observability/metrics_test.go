package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordToolCall("search", "srv1", "success", 0.2)
	m.RecordToolCall("search", "srv1", "error", 1.5)
	m.RecordSandboxRun("success", 3)
	m.RecordLLMRequest("claude-sonnet-4-20250514", "success", 2.0)
	m.RecordError("orchestrator", "budget_exceeded")
	m.BudgetExhausted.Inc()

	if got := testutil.ToFloat64(m.ToolCallCounter.WithLabelValues("search", "srv1", "success")); got != 1 {
		t.Errorf("tool call success count = %v", got)
	}
	if got := testutil.ToFloat64(m.ToolCallCounter.WithLabelValues("search", "srv1", "error")); got != 1 {
		t.Errorf("tool call error count = %v", got)
	}
	if got := testutil.ToFloat64(m.BudgetExhausted); got != 1 {
		t.Errorf("budget exhausted count = %v", got)
	}
	if got := testutil.ToFloat64(m.ErrorCounter.WithLabelValues("orchestrator", "budget_exceeded")); got != 1 {
		t.Errorf("error count = %v", got)
	}
}

func TestMetricsSeparateRegistries(t *testing.T) {
	// Two instances must not collide when given their own registries.
	NewMetrics(prometheus.NewRegistry())
	NewMetrics(prometheus.NewRegistry())
}
