// Package catalog merges per-server tool manifests into the single tool
// catalog a request orchestrates against.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conductorhq/conductor/internal/toolserver"
)

// Tool is one published catalog entry.
type Tool struct {
	Name         string
	OriginalName string
	Description  string
	InputSchema  json.RawMessage
	ServerID     string
	ServerURL    string
}

// Catalog is the merged, de-duplicated tool set for one request.
type Catalog struct {
	tools   []Tool
	byName  map[string]int
	servers map[string]toolserver.ServerConfig
	errors  map[string]string
}

// DiscoveryResult is one server's contribution to the catalog. A failed
// discovery carries an error string and zero tools.
type DiscoveryResult struct {
	Server toolserver.ServerConfig
	Tools  []toolserver.ToolSpec
	Err    string
}

// Lister is the discovery surface of the tool-server client.
type Lister interface {
	ListTools(ctx context.Context, server *toolserver.ServerConfig, timeout time.Duration) (*toolserver.ToolManifest, error)
}

// Discover fetches manifests from every enabled server in parallel and
// returns results ordered by server priority (stable on ties) so later
// catalog merges are deterministic regardless of stored order. Discovery is
// best-effort: a failing server contributes an error string, never an error
// return.
func Discover(ctx context.Context, client Lister, servers []toolserver.ServerConfig, timeout time.Duration) []DiscoveryResult {
	ordered := make([]toolserver.ServerConfig, len(servers))
	copy(ordered, servers)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	results := make([]DiscoveryResult, len(ordered))
	var wg sync.WaitGroup
	for i := range ordered {
		results[i].Server = ordered[i]
		if !ordered[i].Enabled {
			results[i].Err = "server disabled"
			continue
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			manifest, err := client.ListTools(ctx, &ordered[idx], timeout)
			if err != nil {
				results[idx].Err = err.Error()
				return
			}
			results[idx].Tools = manifest.Tools
		}(i)
	}
	wg.Wait()
	return results
}

// Build merges discovery results into a catalog. Results must already be in
// priority order. Name collisions: the first occurrence keeps the bare name,
// later ones are published as "{server_id}_{name}"; if even the prefixed
// form collides the tool is dropped with a warning.
func Build(results []DiscoveryResult, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		byName:  make(map[string]int),
		servers: make(map[string]toolserver.ServerConfig),
		errors:  make(map[string]string),
	}

	for _, res := range results {
		if res.Err != "" {
			c.errors[res.Server.ID] = res.Err
			continue
		}
		c.servers[res.Server.ID] = res.Server

		allowed := map[string]bool{}
		for _, name := range res.Server.AllowedTools {
			allowed[name] = true
		}

		for _, spec := range res.Tools {
			if spec.Name == "" {
				continue
			}
			if len(allowed) > 0 && !allowed[spec.Name] {
				continue
			}
			published := spec.Name
			if _, taken := c.byName[published]; taken {
				published = res.Server.ID + "_" + spec.Name
				if _, taken := c.byName[published]; taken {
					logger.Warn("dropping tool: prefixed name also collides",
						"tool", spec.Name, "server", res.Server.ID, "prefixed", published)
					continue
				}
			}
			c.byName[published] = len(c.tools)
			c.tools = append(c.tools, Tool{
				Name:         published,
				OriginalName: spec.Name,
				Description:  spec.Description,
				InputSchema:  spec.InputSchema,
				ServerID:     res.Server.ID,
				ServerURL:    res.Server.URL,
			})
		}
	}
	return c
}

// FindTool looks a tool up by its published name.
func (c *Catalog) FindTool(name string) (Tool, bool) {
	idx, ok := c.byName[name]
	if !ok {
		return Tool{}, false
	}
	return c.tools[idx], true
}

// Server returns the configuration of a server present in the catalog.
func (c *Catalog) Server(id string) (toolserver.ServerConfig, bool) {
	cfg, ok := c.servers[id]
	return cfg, ok
}

// ToolNames returns the published names in catalog order.
func (c *Catalog) ToolNames() []string {
	names := make([]string, len(c.tools))
	for i, t := range c.tools {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of published tools.
func (c *Catalog) Len() int { return len(c.tools) }

// Errors returns per-server discovery errors.
func (c *Catalog) Errors() map[string]string { return c.errors }

// ToolDefinitions returns name -> input schema for the requested names.
// Unknown names are skipped silently; duplicates collapse.
func (c *Catalog) ToolDefinitions(names []string) map[string]json.RawMessage {
	defs := make(map[string]json.RawMessage)
	for _, name := range names {
		if tool, ok := c.FindTool(name); ok {
			schema := tool.InputSchema
			if len(schema) == 0 {
				schema = json.RawMessage(`{"type":"object"}`)
			}
			defs[name] = schema
		}
	}
	return defs
}

const summaryDescriptionLimit = 80

// RenderSummary renders the short human-readable tool list embedded in the
// system prompt. Descriptions are truncated at the first period or at 80
// characters on a word boundary, and markdown-sensitive characters are
// escaped so catalog text cannot restructure the prompt.
func (c *Catalog) RenderSummary() string {
	if len(c.tools) == 0 {
		return "No tools are currently available."
	}
	var sb strings.Builder
	for _, t := range c.tools {
		fmt.Fprintf(&sb, "- %s", escapeMarkdown(t.Name))
		if desc := summarizeDescription(t.Description); desc != "" {
			fmt.Fprintf(&sb, ": %s", escapeMarkdown(desc))
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// summarizeDescription cuts at the first period, then enforces the length
// cap at a word boundary.
func summarizeDescription(desc string) string {
	desc = strings.TrimSpace(strings.ReplaceAll(desc, "\n", " "))
	if idx := strings.Index(desc, "."); idx >= 0 {
		desc = desc[:idx]
	}
	if len(desc) <= summaryDescriptionLimit {
		return desc
	}
	cut := desc[:summaryDescriptionLimit]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}

var markdownEscaper = strings.NewReplacer(
	"`", "\\`",
	"*", "\\*",
	"_", "\\_",
	"#", "\\#",
	"[", "\\[",
	"]", "\\]",
	">", "\\>",
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
