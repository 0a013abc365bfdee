package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/budget"
	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/health"
	"github.com/conductorhq/conductor/internal/llm"
	"github.com/conductorhq/conductor/internal/progress"
	"github.com/conductorhq/conductor/internal/sandbox"
	"github.com/conductorhq/conductor/internal/toolserver"
)

type fakeTransport struct {
	mu     sync.Mutex
	script []*llm.FinalMessage
	calls  []llm.Request
	err    error
}

func (f *fakeTransport) Invoke(ctx context.Context, req *llm.Request) (*llm.FinalMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, *req)
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.calls) - 1
	if idx >= len(f.script) {
		return &llm.FinalMessage{Blocks: []llm.Block{llm.TextBlock("done")}, StopReason: llm.StopEndTurn}, nil
	}
	return f.script[idx], nil
}

type fakeCaller struct {
	mu       sync.Mutex
	delays   map[string]time.Duration
	failures map[string]error
	meta     map[string]int
	calls    []string
}

func (f *fakeCaller) CallTool(ctx context.Context, server *toolserver.ServerConfig, name string, arguments any, opts toolserver.CallOptions) (*toolserver.ToolCallResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	delay := f.delays[name]
	failure := f.failures[name]
	downstream, hasMeta := f.meta[name]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if failure != nil {
		return nil, failure
	}
	result := &toolserver.ToolCallResult{
		Content: []toolserver.ContentBlock{{Type: "text", Text: "result of " + name}},
		Elapsed: delay,
	}
	if hasMeta {
		result.Meta = &toolserver.CallMeta{DownstreamAPICalls: &downstream}
	}
	return result, nil
}

func (f *fakeCaller) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func testCatalog(t *testing.T, specs ...toolserver.ToolSpec) *catalog.Catalog {
	t.Helper()
	return catalog.Build([]catalog.DiscoveryResult{{
		Server: toolserver.ServerConfig{ID: "srv1", Name: "Server 1", URL: "http://srv1", Enabled: true},
		Tools:  specs,
	}}, nil)
}

func toolUse(id, name, input string) llm.Block {
	return llm.Block{Type: llm.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(input)}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(transport llm.Transport, caller ToolCaller, cfg Config) *Orchestrator {
	return New(transport, caller, sandbox.NewRuntime(nil), cfg, nil, nil)
}

func TestRunPlainText(t *testing.T) {
	transport := &fakeTransport{script: []*llm.FinalMessage{
		{Blocks: []llm.Block{llm.TextBlock("hello there")}, StopReason: llm.StopEndTurn},
	}}
	o := newTestOrchestrator(transport, &fakeCaller{}, Config{})

	responses, err := o.Run(context.Background(), &Request{
		Message: "hi",
		Catalog: testCatalog(t),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(responses) != 1 || responses[0] != "hello there" {
		t.Errorf("responses = %v", responses)
	}
	if len(transport.calls) != 1 {
		t.Errorf("transport calls = %d", len(transport.calls))
	}
}

func TestRunSeedsHistory(t *testing.T) {
	transport := &fakeTransport{}
	o := newTestOrchestrator(transport, &fakeCaller{}, Config{})

	_, err := o.Run(context.Background(), &Request{
		Message: "third question",
		History: []HistoryEntry{
			{UserMessage: "first", AssistantText: "answer one"},
			{UserMessage: "second", AssistantText: "answer two"},
		},
		Catalog: testCatalog(t),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	msgs := transport.calls[0].Messages
	if len(msgs) != 5 {
		t.Fatalf("seeded messages = %d, want 5", len(msgs))
	}
	wantRoles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleUser, llm.RoleAssistant, llm.RoleUser}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d role = %v, want %v", i, msgs[i].Role, want)
		}
	}
	if msgs[4].Blocks[0].Text != "third question" {
		t.Errorf("last message = %q", msgs[4].Blocks[0].Text)
	}
}

func TestParallelToolUsesPreserveOrder(t *testing.T) {
	transport := &fakeTransport{script: []*llm.FinalMessage{
		{
			Blocks: []llm.Block{
				toolUse("t1", "A", `{}`),
				toolUse("t2", "B", `{}`),
				toolUse("t3", "C", `{}`),
			},
			StopReason: llm.StopToolUse,
		},
		{Blocks: []llm.Block{llm.TextBlock("all done")}, StopReason: llm.StopEndTurn},
	}}
	caller := &fakeCaller{delays: map[string]time.Duration{
		"A": 300 * time.Millisecond,
		"B": 10 * time.Millisecond,
		"C": 150 * time.Millisecond,
	}}
	o := newTestOrchestrator(transport, caller, Config{})

	_, err := o.Run(context.Background(), &Request{
		Message: "go",
		Catalog: testCatalog(t, toolserver.ToolSpec{Name: "A"}, toolserver.ToolSpec{Name: "B"}, toolserver.ToolSpec{Name: "C"}),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Second LM call carries the tool results as the last user message.
	msgs := transport.calls[1].Messages
	resultMsg := msgs[len(msgs)-1]
	if resultMsg.Role != llm.RoleUser || len(resultMsg.Blocks) != 3 {
		t.Fatalf("result message = %+v", resultMsg)
	}
	wantIDs := []string{"t1", "t2", "t3"}
	for i, want := range wantIDs {
		block := resultMsg.Blocks[i]
		if block.Type != llm.BlockToolResult || block.ToolUseID != want {
			t.Errorf("result %d = %+v, want tool_use_id %s", i, block, want)
		}
	}
	if resultMsg.Blocks[0].Content != "result of A" {
		t.Errorf("slow call's result out of place: %q", resultMsg.Blocks[0].Content)
	}
}

func TestBudgetExhaustionSurfacesAsToolResult(t *testing.T) {
	transport := &fakeTransport{script: []*llm.FinalMessage{
		{Blocks: []llm.Block{toolUse("t1", "A", `{}`)}, StopReason: llm.StopToolUse},
		{Blocks: []llm.Block{toolUse("t2", "A", `{}`)}, StopReason: llm.StopToolUse},
		{Blocks: []llm.Block{llm.TextBlock("stopping")}, StopReason: llm.StopEndTurn},
	}}
	caller := &fakeCaller{meta: map[string]int{"A": 25}}
	o := newTestOrchestrator(transport, caller, Config{BudgetLimit: 30, DefaultPerCall: 10})

	_, err := o.Run(context.Background(), &Request{
		Message: "go",
		Catalog: testCatalog(t, toolserver.ToolSpec{Name: "A"}),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// First call consumed 25 actual; 25+10 > 30 so the second is refused.
	if caller.callCount("A") != 1 {
		t.Errorf("server calls = %d, want 1", caller.callCount("A"))
	}
	msgs := transport.calls[2].Messages
	resultMsg := msgs[len(msgs)-1]
	block := resultMsg.Blocks[0]
	if !block.IsError || !strings.Contains(block.Content, "budget") {
		t.Errorf("second result = %+v, want is_error budget message", block)
	}
}

func TestCircuitBreakerSkipsUnhealthyServer(t *testing.T) {
	transport := &fakeTransport{script: []*llm.FinalMessage{
		{Blocks: []llm.Block{
			toolUse("t1", "A", `{}`),
		}, StopReason: llm.StopToolUse},
		{Blocks: []llm.Block{
			toolUse("t2", "A", `{}`),
		}, StopReason: llm.StopToolUse},
		{Blocks: []llm.Block{
			toolUse("t3", "A", `{}`),
		}, StopReason: llm.StopToolUse},
		{Blocks: []llm.Block{
			toolUse("t4", "A", `{}`),
		}, StopReason: llm.StopToolUse},
		{Blocks: []llm.Block{llm.TextBlock("giving up")}, StopReason: llm.StopEndTurn},
	}}
	caller := &fakeCaller{failures: map[string]error{"A": errors.New("connection refused")}}
	o := newTestOrchestrator(transport, caller, Config{})

	_, err := o.Run(context.Background(), &Request{
		Message: "go",
		Catalog: testCatalog(t, toolserver.ToolSpec{Name: "A"}),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Three failures open the breaker; the fourth never reaches the server.
	if caller.callCount("A") != 3 {
		t.Errorf("server calls = %d, want 3", caller.callCount("A"))
	}
	msgs := transport.calls[4].Messages
	block := msgs[len(msgs)-1].Blocks[0]
	if !block.IsError || !strings.Contains(block.Content, "unhealthy") {
		t.Errorf("fourth result = %+v, want unhealthy error", block)
	}
}

func TestUnknownToolIsError(t *testing.T) {
	transport := &fakeTransport{script: []*llm.FinalMessage{
		{Blocks: []llm.Block{toolUse("t1", "no_such_tool", `{}`)}, StopReason: llm.StopToolUse},
		{Blocks: []llm.Block{llm.TextBlock("ok")}, StopReason: llm.StopEndTurn},
	}}
	o := newTestOrchestrator(transport, &fakeCaller{}, Config{})

	_, err := o.Run(context.Background(), &Request{Message: "go", Catalog: testCatalog(t)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	block := transport.calls[1].Messages[2].Blocks[0]
	if !block.IsError || !strings.Contains(block.Content, "unknown tool") {
		t.Errorf("result = %+v", block)
	}
}

func TestMaxIterationsBound(t *testing.T) {
	// The LM keeps asking for tools; the loop must stop at the bound.
	looping := &llm.FinalMessage{
		Blocks:     []llm.Block{toolUse("t", "A", `{}`)},
		StopReason: llm.StopToolUse,
	}
	transport := &fakeTransport{script: []*llm.FinalMessage{
		looping, looping, looping, looping, looping, looping,
	}}
	o := newTestOrchestrator(transport, &fakeCaller{}, Config{MaxIterations: 3})

	_, err := o.Run(context.Background(), &Request{
		Message: "go",
		Catalog: testCatalog(t, toolserver.ToolSpec{Name: "A"}),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(transport.calls) != 3 {
		t.Errorf("LM calls = %d, want 3", len(transport.calls))
	}
}

func TestIterationSeparatorEmitted(t *testing.T) {
	transport := &fakeTransport{script: []*llm.FinalMessage{
		{Blocks: []llm.Block{toolUse("t1", "A", `{}`)}, StopReason: llm.StopToolUse},
		{Blocks: []llm.Block{llm.TextBlock("final")}, StopReason: llm.StopEndTurn},
	}}
	o := newTestOrchestrator(transport, &fakeCaller{}, Config{})

	var mu sync.Mutex
	var chunks []string
	callbacks := &progress.Callbacks{OnProgress: func(chunk string) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	}}

	_, err := o.Run(context.Background(), &Request{
		Message:   "go",
		Catalog:   testCatalog(t, toolserver.ToolSpec{Name: "A"}),
		Callbacks: callbacks,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(chunks) == 0 || chunks[0] != "\n" {
		t.Errorf("chunks = %q, want leading separator before second iteration", chunks)
	}
}

func TestStatusEventBeforeToolExecution(t *testing.T) {
	transport := &fakeTransport{script: []*llm.FinalMessage{
		{Blocks: []llm.Block{
			toolUse("t1", "A", `{}`),
			toolUse("t2", "A", `{}`),
		}, StopReason: llm.StopToolUse},
		{Blocks: []llm.Block{llm.TextBlock("done")}, StopReason: llm.StopEndTurn},
	}}
	o := newTestOrchestrator(transport, &fakeCaller{}, Config{})

	var statuses []string
	callbacks := &progress.Callbacks{OnStatus: func(m string) { statuses = append(statuses, m) }}
	_, err := o.Run(context.Background(), &Request{
		Message:   "go",
		Catalog:   testCatalog(t, toolserver.ToolSpec{Name: "A"}),
		Callbacks: callbacks,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(statuses) != 1 || !strings.Contains(statuses[0], "2 tool(s)") {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestExecuteCodeMetaTool(t *testing.T) {
	code := `__result__ = await search({q: "capybara"});`
	input, _ := json.Marshal(map[string]string{"code": code})
	transport := &fakeTransport{script: []*llm.FinalMessage{
		{Blocks: []llm.Block{toolUse("t1", MetaToolExecuteCode, string(input))}, StopReason: llm.StopToolUse},
		{Blocks: []llm.Block{llm.TextBlock("done")}, StopReason: llm.StopEndTurn},
	}}
	caller := &fakeCaller{}
	o := newTestOrchestrator(transport, caller, Config{})

	_, err := o.Run(context.Background(), &Request{
		Message: "go",
		Catalog: testCatalog(t, toolserver.ToolSpec{Name: "search"}),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if caller.callCount("search") != 1 {
		t.Errorf("search calls = %d, want 1", caller.callCount("search"))
	}

	block := transport.calls[1].Messages[2].Blocks[0]
	if block.IsError {
		t.Fatalf("execute_code failed: %s", block.Content)
	}
	var payload struct {
		Result     any `json:"result"`
		DurationMS int `json:"duration_ms"`
	}
	if err := json.Unmarshal([]byte(block.Content), &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload.Result != "result of search" {
		t.Errorf("result = %v", payload.Result)
	}
}

func TestExecuteCodeCallLimit(t *testing.T) {
	code := `
for (let i = 0; i < 5; i++) {
  await search({n: i});
}
__result__ = "never";`
	input, _ := json.Marshal(map[string]string{"code": code})
	transport := &fakeTransport{script: []*llm.FinalMessage{
		{Blocks: []llm.Block{toolUse("t1", MetaToolExecuteCode, string(input))}, StopReason: llm.StopToolUse},
		{Blocks: []llm.Block{llm.TextBlock("ok")}, StopReason: llm.StopEndTurn},
	}}
	o := newTestOrchestrator(transport, &fakeCaller{}, Config{MaxReentries: 3})

	_, err := o.Run(context.Background(), &Request{
		Message: "go",
		Catalog: testCatalog(t, toolserver.ToolSpec{Name: "search"}),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	block := transport.calls[1].Messages[2].Blocks[0]
	if !block.IsError {
		t.Fatal("expected is_error result")
	}
	var payload struct {
		ErrorCode  string `json:"error_code"`
		CallsMade  int    `json:"calls_made"`
		Limit      int    `json:"limit"`
		Suggestion string `json:"suggestion"`
	}
	if err := json.Unmarshal([]byte(block.Content), &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload.ErrorCode != "CALL_LIMIT_EXCEEDED" || payload.CallsMade != 3 || payload.Limit != 3 {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Suggestion == "" {
		t.Error("suggestion missing")
	}
}

func TestGetToolDefinitions(t *testing.T) {
	cat := testCatalog(t,
		toolserver.ToolSpec{Name: "search", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
	)
	b := budget.New(0, 0)
	tracker := health.NewTracker(0)
	d := newDispatcher(cat, &fakeCaller{}, b, tracker, Config{}.withDefaults(), testLogger(), nil)

	// Duplicates collapse; unknown names are skipped.
	payload, isError := getToolDefinitions(d, json.RawMessage(`{"tool_names":["search","search","nope"]}`))
	if isError {
		t.Fatalf("unexpected error: %s", payload)
	}
	var defs map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &defs); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if len(defs) != 1 {
		t.Errorf("defs = %v", defs)
	}
	if _, ok := defs["search"]; !ok {
		t.Error("search definition missing")
	}

	payload, isError = getToolDefinitions(d, json.RawMessage(`{"tool_names":[]}`))
	if isError || payload != "{}" {
		t.Errorf("empty list payload = %q isError=%t", payload, isError)
	}
}

func TestDispatchValidatesSchema(t *testing.T) {
	cat := testCatalog(t, toolserver.ToolSpec{
		Name:        "search",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`),
	})
	caller := &fakeCaller{}
	d := newDispatcher(cat, caller, budget.New(0, 0), health.NewTracker(0), Config{}.withDefaults(), testLogger(), nil)

	_, err := d.Dispatch(context.Background(), "search", map[string]any{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if caller.callCount("search") != 0 {
		t.Error("invalid call must not reach the server")
	}

	if _, err := d.Dispatch(context.Background(), "search", map[string]any{"q": "x"}); err != nil {
		t.Fatalf("valid call failed: %v", err)
	}
}

func TestLMErrorAborts(t *testing.T) {
	transport := &fakeTransport{err: errors.New("connection reset")}
	o := newTestOrchestrator(transport, &fakeCaller{}, Config{})

	_, err := o.Run(context.Background(), &Request{Message: "go", Catalog: testCatalog(t)})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("err = %v", err)
	}
}
