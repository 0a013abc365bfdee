package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/conductorhq/conductor/internal/toolserver"
)

func specs(names ...string) []toolserver.ToolSpec {
	out := make([]toolserver.ToolSpec, len(names))
	for i, n := range names {
		out[i] = toolserver.ToolSpec{Name: n, InputSchema: json.RawMessage(`{"type":"object"}`)}
	}
	return out
}

func server(id string, priority int) toolserver.ServerConfig {
	return toolserver.ServerConfig{ID: id, URL: "https://" + id + ".example.com", Enabled: true, Priority: priority}
}

func TestBuildCollisionPolicy(t *testing.T) {
	results := []DiscoveryResult{
		{Server: server("alpha", 1), Tools: specs("search", "fetch")},
		{Server: server("beta", 2), Tools: specs("search", "render")},
	}
	c := Build(results, nil)

	names := c.ToolNames()
	want := []string{"search", "fetch", "beta_search", "render"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	tool, ok := c.FindTool("beta_search")
	if !ok {
		t.Fatal("prefixed tool missing")
	}
	if tool.ServerID != "beta" || tool.OriginalName != "search" {
		t.Errorf("tool = %+v", tool)
	}
}

func TestBuildPrefixedCollisionDrops(t *testing.T) {
	// Server "beta" publishes both "search" (collides with alpha, becomes
	// beta_search) and a literal "beta_search" that then collides again.
	results := []DiscoveryResult{
		{Server: server("alpha", 1), Tools: specs("search")},
		{Server: server("beta", 2), Tools: specs("beta_search", "search")},
	}
	c := Build(results, nil)
	if c.Len() != 2 {
		t.Errorf("len = %d, want 2 (second collision dropped)", c.Len())
	}
}

func TestBuildAllowedTools(t *testing.T) {
	srv := server("alpha", 1)
	srv.AllowedTools = []string{"fetch"}
	c := Build([]DiscoveryResult{{Server: srv, Tools: specs("search", "fetch")}}, nil)

	if _, ok := c.FindTool("search"); ok {
		t.Error("search should be filtered by allow-list")
	}
	if _, ok := c.FindTool("fetch"); !ok {
		t.Error("fetch should survive allow-list")
	}
}

func TestBuildFailedDiscovery(t *testing.T) {
	results := []DiscoveryResult{
		{Server: server("down", 1), Err: "connection refused"},
		{Server: server("up", 2), Tools: specs("ping")},
	}
	c := Build(results, nil)
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	if c.Errors()["down"] != "connection refused" {
		t.Errorf("errors = %v", c.Errors())
	}
	if _, ok := c.Server("down"); ok {
		t.Error("failed server should not be in the server map")
	}
}

func TestToolDefinitionsIdempotent(t *testing.T) {
	c := Build([]DiscoveryResult{{Server: server("a", 1), Tools: specs("x", "y")}}, nil)

	single := c.ToolDefinitions([]string{"x"})
	doubled := c.ToolDefinitions([]string{"x", "x"})
	if len(single) != 1 || len(doubled) != 1 {
		t.Fatalf("len(single)=%d len(doubled)=%d", len(single), len(doubled))
	}
	if string(single["x"]) != string(doubled["x"]) {
		t.Error("repeated names should collapse to identical content")
	}

	if got := c.ToolDefinitions(nil); len(got) != 0 {
		t.Errorf("empty request should return empty map, got %v", got)
	}
	if got := c.ToolDefinitions([]string{"nope"}); len(got) != 0 {
		t.Errorf("unknown-only request should return empty map, got %v", got)
	}
}

func TestRenderSummaryTruncation(t *testing.T) {
	long := strings.Repeat("word ", 40) // no period, > 80 chars
	c := Build([]DiscoveryResult{{Server: server("a", 1), Tools: []toolserver.ToolSpec{
		{Name: "long_tool", Description: long},
		{Name: "short_tool", Description: "Fetches a page. Extra detail after the period."},
	}}}, nil)

	summary := c.RenderSummary()
	lines := strings.Split(summary, "\n")
	if len(lines) != 2 {
		t.Fatalf("summary lines = %d:\n%s", len(lines), summary)
	}
	if !strings.Contains(lines[1], "Fetches a page") || strings.Contains(lines[1], "Extra detail") {
		t.Errorf("period truncation failed: %q", lines[1])
	}
	// 80-char cap plus prefix and ellipsis, never mid-word.
	if len(lines[0]) > len("- long_tool: ")+summaryDescriptionLimit+len("…") {
		t.Errorf("length cap failed: %q", lines[0])
	}
}

func TestRenderSummaryEscapesMarkdown(t *testing.T) {
	c := Build([]DiscoveryResult{{Server: server("a", 1), Tools: []toolserver.ToolSpec{
		{Name: "evil", Description: "# heading `code` *bold* [link]"},
	}}}, nil)
	summary := c.RenderSummary()
	for _, raw := range []string{" # ", " `code` ", " *bold* ", " [link]"} {
		if strings.Contains(summary, raw) {
			t.Errorf("unescaped markdown %q in %q", raw, summary)
		}
	}
}

func TestRenderSummaryEmpty(t *testing.T) {
	c := Build(nil, nil)
	if got := c.RenderSummary(); !strings.Contains(got, "No tools") {
		t.Errorf("summary = %q", got)
	}
}

type fakeLister struct {
	manifests map[string]*toolserver.ToolManifest
	errs      map[string]error
	delay     time.Duration
}

func (f *fakeLister) ListTools(ctx context.Context, server *toolserver.ServerConfig, timeout time.Duration) (*toolserver.ToolManifest, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.errs[server.ID]; err != nil {
		return nil, err
	}
	return f.manifests[server.ID], nil
}

func TestDiscoverPreservesPriorityOrder(t *testing.T) {
	lister := &fakeLister{
		manifests: map[string]*toolserver.ToolManifest{
			"first":  {Tools: specs("a")},
			"second": {Tools: specs("b")},
		},
		errs: map[string]error{"broken": errors.New("dial tcp: refused")},
	}
	servers := []toolserver.ServerConfig{server("first", 1), server("broken", 2), server("second", 3)}

	results := Discover(context.Background(), lister, servers, time.Second)
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].Server.ID != "first" || results[1].Server.ID != "broken" || results[2].Server.ID != "second" {
		t.Errorf("order lost: %v %v %v", results[0].Server.ID, results[1].Server.ID, results[2].Server.ID)
	}
	if results[1].Err == "" {
		t.Error("broken server should carry an error string")
	}
	if len(results[2].Tools) != 1 {
		t.Error("healthy server should contribute tools despite sibling failure")
	}
}

func TestDiscoverSortsByPriority(t *testing.T) {
	// Stored order disagrees with priority: the collision winner must follow
	// priority, so "alpha" (priority 1) keeps the bare name even though
	// "beta" comes first in the stored list.
	lister := &fakeLister{
		manifests: map[string]*toolserver.ToolManifest{
			"alpha": {Tools: specs("search")},
			"beta":  {Tools: specs("search")},
		},
	}
	servers := []toolserver.ServerConfig{server("beta", 2), server("alpha", 1)}

	results := Discover(context.Background(), lister, servers, time.Second)
	if results[0].Server.ID != "alpha" || results[1].Server.ID != "beta" {
		t.Fatalf("order = %v %v, want alpha beta", results[0].Server.ID, results[1].Server.ID)
	}

	c := Build(results, nil)
	tool, ok := c.FindTool("search")
	if !ok || tool.ServerID != "alpha" {
		t.Errorf("bare name owner = %+v, want alpha", tool)
	}
	if _, ok := c.FindTool("beta_search"); !ok {
		t.Error("lower-priority duplicate should be prefixed")
	}
}

func TestDiscoverPriorityTiesKeepStoredOrder(t *testing.T) {
	lister := &fakeLister{
		manifests: map[string]*toolserver.ToolManifest{
			"one": {Tools: specs("x")},
			"two": {Tools: specs("x")},
		},
	}
	servers := []toolserver.ServerConfig{server("one", 5), server("two", 5)}

	results := Discover(context.Background(), lister, servers, time.Second)
	if results[0].Server.ID != "one" || results[1].Server.ID != "two" {
		t.Errorf("equal priorities must keep stored order: %v %v", results[0].Server.ID, results[1].Server.ID)
	}
}

func TestDiscoverSkipsDisabled(t *testing.T) {
	lister := &fakeLister{manifests: map[string]*toolserver.ToolManifest{}}
	srv := server("off", 1)
	srv.Enabled = false
	results := Discover(context.Background(), lister, []toolserver.ServerConfig{srv}, time.Second)
	if results[0].Err == "" || len(results[0].Tools) != 0 {
		t.Errorf("disabled server should contribute nothing: %+v", results[0])
	}
}
