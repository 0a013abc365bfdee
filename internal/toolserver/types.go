// Package toolserver implements a JSON-RPC 2.0 client for remote tool servers.
package toolserver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Limits on server configuration.
const (
	MaxServerIDLength = 64
	MaxServersPerOrg  = 50
)

var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ServerConfig holds the configuration for one remote tool server.
type ServerConfig struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	URL          string   `yaml:"url" json:"url"`
	AuthToken    string   `yaml:"auth_token" json:"auth_token,omitempty"`
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	Priority     int      `yaml:"priority" json:"priority"`
	AllowedTools []string `yaml:"allowed_tools" json:"allowed_tools,omitempty"`
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("server ID is required")
	}
	if len(c.ID) > MaxServerIDLength {
		return fmt.Errorf("server ID %q exceeds %d characters", c.ID, MaxServerIDLength)
	}
	if !serverIDPattern.MatchString(c.ID) {
		return fmt.Errorf("server ID %q contains invalid characters", c.ID)
	}
	if c.URL == "" {
		return fmt.Errorf("URL is required for server %s", c.ID)
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("URL for server %s must start with http:// or https://", c.ID)
	}
	return nil
}

// ValidateServerSet validates an ordered server set for one organization.
func ValidateServerSet(servers []ServerConfig) error {
	if len(servers) > MaxServersPerOrg {
		return fmt.Errorf("too many servers: %d (max %d)", len(servers), MaxServersPerOrg)
	}
	seen := make(map[string]bool, len(servers))
	for i := range servers {
		if err := servers[i].Validate(); err != nil {
			return err
		}
		if seen[servers[i].ID] {
			return fmt.Errorf("duplicate server ID %q", servers[i].ID)
		}
		seen[servers[i].ID] = true
	}
	return nil
}

// ToolSpec describes one tool as reported by a server's tools/list.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// UnmarshalJSON accepts both the snake_case and camelCase schema keys seen
// in the wild.
func (t *ToolSpec) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name         string          `json:"name"`
		Description  string          `json:"description"`
		InputSchema  json.RawMessage `json:"input_schema"`
		InputSchemaC json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Name = raw.Name
	t.Description = raw.Description
	t.InputSchema = raw.InputSchema
	if len(t.InputSchema) == 0 {
		t.InputSchema = raw.InputSchemaC
	}
	return nil
}

// ToolManifest is the result of tools/list.
type ToolManifest struct {
	Tools []ToolSpec `json:"tools"`
}

// ContentBlock is one piece of content in a tools/call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallMeta carries optional server-reported accounting metadata.
type CallMeta struct {
	DownstreamAPICalls *int   `json:"downstream_api_calls,omitempty"`
	CacheStatus        string `json:"cache_status,omitempty"`
}

// ToolCallResult holds the parsed result of tools/call.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	Meta    *CallMeta      `json:"_meta,omitempty"`

	// Elapsed is the measured round-trip time of the call.
	Elapsed time.Duration `json:"-"`
}

// Value returns the extracted result value: the text of the first non-empty
// text block, or the raw content when no such block exists.
func (r *ToolCallResult) Value() any {
	for _, b := range r.Content {
		if b.Type == "text" && b.Text != "" {
			return b.Text
		}
	}
	return r.Content
}

// JSON-RPC 2.0 wire types.

type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonrpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

type jsonrpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
