package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conductorhq/conductor/internal/budget"
	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/health"
	"github.com/conductorhq/conductor/internal/observability"
	"github.com/conductorhq/conductor/internal/toolserver"
)

// ToolCaller is the invocation surface of the tool-server client.
type ToolCaller interface {
	CallTool(ctx context.Context, server *toolserver.ServerConfig, name string, arguments any, opts toolserver.CallOptions) (*toolserver.ToolCallResult, error)
}

// dispatcher routes one request's tool calls through the budget and health
// gates to the tool-server client. It is shared by the sandbox host functions
// and by direct catalog-tool addressing, so it must be goroutine-safe.
type dispatcher struct {
	catalog *catalog.Catalog
	caller  ToolCaller
	budget  *budget.Budget
	health  *health.Tracker
	logger  *slog.Logger
	metrics *observability.Metrics

	invocationTimeout time.Duration
	maxResponseBytes  int64

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema

	exhaustedOnce sync.Once
}

func newDispatcher(cat *catalog.Catalog, caller ToolCaller, b *budget.Budget, h *health.Tracker, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *dispatcher {
	return &dispatcher{
		catalog:           cat,
		caller:            caller,
		budget:            b,
		health:            h,
		logger:            logger,
		metrics:           metrics,
		invocationTimeout: cfg.InvocationTimeout,
		maxResponseBytes:  cfg.MaxResponseBytes,
		schemas:           make(map[string]*jsonschema.Schema),
	}
}

// Dispatch runs one cataloged tool call: input validation, budget projection,
// health gate, then the JSON-RPC invocation. Health and budget are updated
// from the call outcome.
func (d *dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (any, error) {
	if name == "" {
		return nil, &ValidationError{Message: "tool name must not be empty"}
	}
	tool, ok := d.catalog.FindTool(name)
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	if err := d.validateInput(&tool, args); err != nil {
		return nil, err
	}

	if d.budget.WouldExceed() {
		d.exhaustedOnce.Do(func() {
			if d.metrics != nil {
				d.metrics.BudgetExhausted.Inc()
			}
		})
		return nil, &BudgetExceededError{Total: d.budget.Total(), Limit: d.budget.Limit()}
	}
	if !d.health.IsHealthy(tool.ServerID) {
		return nil, &ServerUnhealthyError{ServerID: tool.ServerID}
	}

	server, ok := d.catalog.Server(tool.ServerID)
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := d.caller.CallTool(ctx, &server, tool.OriginalName, args, toolserver.CallOptions{
		Timeout:          d.invocationTimeout,
		MaxResponseBytes: d.maxResponseBytes,
	})
	if err != nil {
		d.health.RecordFailure(tool.ServerID, err)
		d.budget.RecordCall(nil)
		if d.metrics != nil {
			d.metrics.RecordToolCall(name, tool.ServerID, "error", 0)
		}
		d.logger.Warn("tool call failed", "tool", name, "server", tool.ServerID, "error", err)
		return nil, err
	}

	d.health.RecordSuccess(tool.ServerID, result.Elapsed)
	d.budget.RecordCall(callMeta(result))
	if d.metrics != nil {
		d.metrics.RecordToolCall(name, tool.ServerID, "success", result.Elapsed.Seconds())
	}
	return result.Value(), nil
}

func callMeta(result *toolserver.ToolCallResult) *budget.Meta {
	if result.Meta == nil {
		return nil
	}
	return &budget.Meta{DownstreamAPICalls: result.Meta.DownstreamAPICalls}
}

// validateInput checks the arguments against the tool's published input
// schema. Tools without a usable schema skip validation; the server is the
// authority on its own inputs.
func (d *dispatcher) validateInput(tool *catalog.Tool, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schema := d.compiledSchema(tool)
	if schema == nil {
		return nil
	}
	value := any(args)
	if args == nil {
		value = map[string]any{}
	}
	if err := schema.Validate(value); err != nil {
		return &ValidationError{Message: fmt.Sprintf("invalid arguments for %s: %v", tool.Name, err)}
	}
	return nil
}

func (d *dispatcher) compiledSchema(tool *catalog.Tool) *jsonschema.Schema {
	d.mu.Lock()
	defer d.mu.Unlock()
	if schema, seen := d.schemas[tool.Name]; seen {
		return schema
	}
	schema, err := jsonschema.CompileString(tool.Name+".json", string(tool.InputSchema))
	if err != nil {
		d.logger.Warn("tool schema does not compile, skipping validation",
			"tool", tool.Name, "server", tool.ServerID, "error", err)
		schema = nil
	}
	d.schemas[tool.Name] = schema
	return schema
}
