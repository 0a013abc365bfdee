// Package orchestrator runs the bounded LM<->tool loop at the heart of a
// request: it seeds the message log from history, exposes the meta-tools,
// fans tool-use blocks out in parallel, and enforces the downstream-call
// budget and per-server health gates.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/budget"
	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/health"
	"github.com/conductorhq/conductor/internal/llm"
	"github.com/conductorhq/conductor/internal/observability"
	"github.com/conductorhq/conductor/internal/progress"
	"github.com/conductorhq/conductor/internal/prompt"
	"github.com/conductorhq/conductor/internal/sandbox"
	"github.com/conductorhq/conductor/internal/toolserver"
)

// Defaults for loop configuration.
const (
	DefaultMaxIterations = 10
	DefaultBudgetLimit   = 120
	DefaultPerCall       = 12
	iterationSeparator   = "\n"
)

// Config bounds one orchestration run.
type Config struct {
	Model             string
	MaxTokens         int
	MaxIterations     int
	CodeExecTimeout   time.Duration
	MaxReentries      int
	InvocationTimeout time.Duration
	MaxResponseBytes  int64
	BudgetLimit       int
	DefaultPerCall    int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.CodeExecTimeout <= 0 {
		c.CodeExecTimeout = sandbox.DefaultTimeout
	}
	if c.MaxReentries <= 0 {
		c.MaxReentries = sandbox.DefaultMaxReentries
	}
	if c.InvocationTimeout <= 0 {
		c.InvocationTimeout = toolserver.DefaultInvocationTimeout
	}
	if c.MaxResponseBytes <= 0 {
		c.MaxResponseBytes = toolserver.DefaultMaxResponseBytes
	}
	if c.BudgetLimit <= 0 {
		c.BudgetLimit = DefaultBudgetLimit
	}
	if c.DefaultPerCall <= 0 {
		c.DefaultPerCall = DefaultPerCall
	}
	return c
}

// HistoryEntry is one prior exchange shown to the LM.
type HistoryEntry struct {
	UserMessage   string
	AssistantText string
}

// Request carries the per-request inputs. The catalog, budget, and health
// tracker are owned by this run and never shared across requests.
type Request struct {
	Message          string
	History          []HistoryEntry
	ResponseLanguage string
	UserOverrides    prompt.Overrides
	OrgOverrides     prompt.Overrides
	Catalog          *catalog.Catalog
	Callbacks        *progress.Callbacks
}

// Orchestrator drives requests. It is stateless across runs and safe for
// concurrent use.
type Orchestrator struct {
	transport llm.Transport
	caller    ToolCaller
	runtime   *sandbox.Runtime
	logger    *slog.Logger
	metrics   *observability.Metrics
	cfg       Config
}

// New creates an orchestrator.
func New(transport llm.Transport, caller ToolCaller, runtime *sandbox.Runtime, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		transport: transport,
		caller:    caller,
		runtime:   runtime,
		logger:    logger.With("component", "orchestrator"),
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
	}
}

// Run executes the bounded tool-use loop and returns the assistant text
// collected across iterations, in emission order.
func (o *Orchestrator) Run(ctx context.Context, req *Request) ([]string, error) {
	cfg := o.cfg
	b := budget.New(cfg.BudgetLimit, cfg.DefaultPerCall)
	tracker := health.NewTracker(health.DefaultFailureThreshold)
	d := newDispatcher(req.Catalog, o.caller, b, tracker, cfg, o.logger, o.metrics)

	system := prompt.Build(prompt.Params{
		CatalogSummary:   req.Catalog.RenderSummary(),
		ResponseLanguage: req.ResponseLanguage,
		UserOverrides:    req.UserOverrides,
		OrgOverrides:     req.OrgOverrides,
	})

	messages := seedMessages(req.History)
	messages = append(messages, llm.TextMessage(llm.RoleUser, req.Message))

	var onProgress func(string)
	if req.Callbacks != nil && req.Callbacks.OnProgress != nil {
		onProgress = req.Callbacks.Progress
	}

	var responses []string
	iterations := 0

	for i := 0; i < cfg.MaxIterations; i++ {
		iterations = i + 1
		if i > 0 && onProgress != nil {
			onProgress(iterationSeparator)
		}

		start := time.Now()
		final, err := o.transport.Invoke(ctx, &llm.Request{
			Model:      cfg.Model,
			MaxTokens:  cfg.MaxTokens,
			System:     system,
			Messages:   messages,
			Tools:      metaToolDefs(),
			OnProgress: onProgress,
		})
		if o.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			o.metrics.RecordLLMRequest(cfg.Model, status, time.Since(start).Seconds())
		}
		if err != nil {
			o.logger.Error("LM request failed", "iteration", i, "error", err)
			return nil, err
		}

		iterationText := final.Text()
		if iterationText != "" {
			responses = append(responses, iterationText)
		}
		req.Callbacks.IterationComplete(iterationText)

		toolUses := final.ToolUses()
		if final.StopReason != llm.StopToolUse || len(toolUses) == 0 {
			break
		}

		req.Callbacks.Status(fmt.Sprintf("Executing %d tool(s)…", len(toolUses)))
		results := o.executeToolUses(ctx, d, toolUses, req.Callbacks)

		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Blocks: final.Blocks},
			llm.Message{Role: llm.RoleUser, Blocks: results},
		)
	}

	if o.metrics != nil {
		o.metrics.OrchestrationIterations.Observe(float64(iterations))
	}
	o.logSummary(iterations, b, tracker)
	return responses, nil
}

// executeToolUses runs one iteration's tool-use blocks in parallel; the
// returned tool_result blocks mirror the order of the tool_use blocks.
func (o *Orchestrator) executeToolUses(ctx context.Context, d *dispatcher, toolUses []llm.Block, callbacks *progress.Callbacks) []llm.Block {
	results := make([]llm.Block, len(toolUses))
	var wg sync.WaitGroup
	for i, use := range toolUses {
		wg.Add(1)
		go func(idx int, use llm.Block) {
			defer wg.Done()
			callbacks.ToolUse(use.Name, use.Input)
			content, isError := o.executeToolUse(ctx, d, use)
			callbacks.ToolResult(use.Name, content)
			results[idx] = llm.ToolResultBlock(use.ID, content, isError)
		}(i, use)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) executeToolUse(ctx context.Context, d *dispatcher, use llm.Block) (content string, isError bool) {
	switch use.Name {
	case MetaToolExecuteCode:
		return o.executeCode(ctx, d, use.Input)
	case MetaToolGetToolDefinitions:
		return getToolDefinitions(d, use.Input)
	default:
		// The LM addressed a cataloged tool directly.
		var args map[string]any
		if len(use.Input) > 0 {
			if err := json.Unmarshal(use.Input, &args); err != nil {
				return fmt.Sprintf("invalid arguments for %s: %v", use.Name, err), true
			}
		}
		value, err := d.Dispatch(ctx, use.Name, args)
		if err != nil {
			return err.Error(), true
		}
		return renderValue(value), false
	}
}

// renderValue flattens a tool result for the tool_result block: text passes
// through, anything structured is JSON-encoded.
func renderValue(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(b)
}

// seedMessages turns the bounded history tail into alternating user and
// assistant text messages.
func seedMessages(history []HistoryEntry) []llm.Message {
	messages := make([]llm.Message, 0, len(history)*2+1)
	for _, entry := range history {
		if entry.UserMessage != "" {
			messages = append(messages, llm.TextMessage(llm.RoleUser, entry.UserMessage))
		}
		if entry.AssistantText != "" {
			messages = append(messages, llm.TextMessage(llm.RoleAssistant, entry.AssistantText))
		}
	}
	return messages
}

func (o *Orchestrator) logSummary(iterations int, b *budget.Budget, tracker *health.Tracker) {
	status := b.Status()
	attrs := []any{
		"iterations", iterations,
		"budget_total", status.Total,
		"budget_remaining", status.Remaining,
		"budget_percent_used", status.PercentUsed,
		"using_estimates", status.UsingEstimates,
	}
	if status.Warning != "" {
		attrs = append(attrs, "budget_warning", status.Warning)
	}
	for id, summary := range tracker.Summary() {
		attrs = append(attrs, "server_"+id, fmt.Sprintf("healthy=%t calls=%d failure_rate=%.2f",
			summary.Healthy, summary.TotalCalls, summary.FailureRate))
	}
	o.logger.Info("orchestration complete", attrs...)
}
