package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/conductorhq/conductor/internal/llm"
	"github.com/conductorhq/conductor/internal/sandbox"
)

// The only tools the LM sees directly. It reaches cataloged tools by name
// through execute_code, fetching schemas on demand, which keeps the prompt
// size independent of catalog cardinality.
const (
	MetaToolExecuteCode        = "execute_code"
	MetaToolGetToolDefinitions = "get_tool_definitions"
)

func metaToolDefs() []llm.ToolDef {
	return []llm.ToolDef{
		{
			Name: MetaToolExecuteCode,
			Description: "Execute a JavaScript program. Each available tool is exposed as an " +
				"async function of the same name; await it to call the tool. Assign the final " +
				"value to __result__.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"code": {"type": "string", "description": "JavaScript source to execute"}
				},
				"required": ["code"]
			}`),
		},
		{
			Name:        MetaToolGetToolDefinitions,
			Description: "Fetch the input schemas of the named tools.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"tool_names": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["tool_names"]
			}`),
		},
	}
}

// executeCode runs a model-authored script in the sandbox with one host
// function per cataloged tool. The returned string is a JSON payload for the
// tool_result block; isError marks failures so the LM can recover.
func (o *Orchestrator) executeCode(ctx context.Context, d *dispatcher, input json.RawMessage) (payload string, isError bool) {
	var params struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return marshalPayload(map[string]any{"error": "execute_code input must be an object with a code string"}), true
	}
	if strings.TrimSpace(params.Code) == "" {
		return marshalPayload(map[string]any{"error": "code must not be empty"}), true
	}

	hostFuncs := make(map[string]sandbox.HostFunc)
	for _, name := range d.catalog.ToolNames() {
		name := name
		hostFuncs[name] = func(ctx context.Context, args []any) (any, error) {
			var m map[string]any
			if len(args) > 0 {
				obj, ok := args[0].(map[string]any)
				if !ok {
					return nil, &ValidationError{Message: fmt.Sprintf("%s: arguments must be a single object", name)}
				}
				m = obj
			}
			return d.Dispatch(ctx, name, m)
		}
	}

	result, err := o.runtime.Run(ctx, params.Code, hostFuncs, sandbox.Options{
		Timeout:      o.cfg.CodeExecTimeout,
		MaxReentries: o.cfg.MaxReentries,
	})

	if err != nil {
		o.recordSandboxRun(err, result)
		out := map[string]any{
			"error": err.Error(),
			"logs":  sandboxLogs(result),
		}
		var callLimit *sandbox.CallLimitError
		if errors.As(err, &callLimit) {
			out["error_code"] = "CALL_LIMIT_EXCEEDED"
			out["calls_made"] = callLimit.Made
			out["limit"] = callLimit.Limit
			out["suggestion"] = "Reduce the number of tool calls in one script, or split the work across multiple execute_code invocations."
		}
		return marshalPayload(out), true
	}

	o.recordSandboxRun(nil, result)
	return marshalPayload(map[string]any{
		"result":      result.Value,
		"logs":        sandboxLogs(result),
		"duration_ms": result.Duration.Milliseconds(),
	}), false
}

func (o *Orchestrator) recordSandboxRun(err error, result *sandbox.Result) {
	if o.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		switch {
		case isType[*sandbox.TimeoutError](err):
			status = "timeout"
		case isType[*sandbox.CallLimitError](err):
			status = "call_limit"
		default:
			status = "execution_error"
		}
	}
	reentries := 0
	if result != nil {
		reentries = result.Reentries
	}
	o.metrics.RecordSandboxRun(status, reentries)
}

func isType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

func sandboxLogs(result *sandbox.Result) []sandbox.LogEntry {
	if result == nil || result.Logs == nil {
		return []sandbox.LogEntry{}
	}
	return result.Logs
}

// getToolDefinitions resolves schemas for the named tools. Unknown names are
// skipped; an empty or unknown-only list yields an empty mapping.
func getToolDefinitions(d *dispatcher, input json.RawMessage) (payload string, isError bool) {
	var params struct {
		ToolNames []string `json:"tool_names"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return marshalPayload(map[string]any{"error": "get_tool_definitions input must be an object with a tool_names array"}), true
	}
	defs := d.catalog.ToolDefinitions(params.ToolNames)
	return marshalPayload(defs), false
}

func marshalPayload(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, "internal: "+err.Error())
	}
	return string(b)
}
