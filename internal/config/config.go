// Package config loads service configuration from an optional YAML file and
// environment variables. Environment variables win over file values; both
// win over the built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Log           LogConfig           `yaml:"log"`
	LLM           LLMConfig           `yaml:"llm"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	ToolServers   ToolServersConfig   `yaml:"tool_servers"`
	Admin         AdminConfig         `yaml:"admin"`
	Storage       StorageConfig       `yaml:"storage"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMConfig configures the LM transport.
type LLMConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// OrchestrationConfig bounds the LM loop and the downstream-call budget.
type OrchestrationConfig struct {
	MaxIterations            int    `yaml:"max_iterations"`
	MaxDownstreamCalls       int    `yaml:"max_downstream_calls"`
	DefaultDownstreamPerCall int    `yaml:"default_downstream_per_call"`
	DefaultOrg               string `yaml:"default_org"`
}

// SandboxConfig bounds script execution.
type SandboxConfig struct {
	ExecTimeoutMS int `yaml:"exec_timeout_ms"`
	MaxCalls      int `yaml:"max_calls"`
}

// ToolServersConfig bounds tool-server calls.
type ToolServersConfig struct {
	DiscoveryTimeoutMS  int   `yaml:"discovery_timeout_ms"`
	InvocationTimeoutMS int   `yaml:"invocation_timeout_ms"`
	MaxResponseBytes    int64 `yaml:"max_response_bytes"`
}

// AdminConfig bounds the admin endpoints.
type AdminConfig struct {
	RateLimitWindowMS int `yaml:"rate_limit_window_ms"`
	RateLimitMax      int `yaml:"rate_limit_max"`
}

// StorageConfig selects the backing store.
type StorageConfig struct {
	// SQLitePath enables sqlite persistence when set; empty keeps session
	// state in memory.
	SQLitePath string `yaml:"sqlite_path"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info", Format: "json"},
		LLM: LLMConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		Orchestration: OrchestrationConfig{
			MaxIterations:            10,
			MaxDownstreamCalls:       120,
			DefaultDownstreamPerCall: 12,
			DefaultOrg:               "default",
		},
		Sandbox: SandboxConfig{
			ExecTimeoutMS: 30_000,
			MaxCalls:      10,
		},
		ToolServers: ToolServersConfig{
			DiscoveryTimeoutMS:  10_000,
			InvocationTimeoutMS: 30_000,
			MaxResponseBytes:    1 << 20,
		},
		Admin: AdminConfig{
			RateLimitWindowMS: 60_000,
			RateLimitMax:      100,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the enumerated environment knobs.
func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "LISTEN_ADDR")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	setString(&c.LLM.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.LLM.BaseURL, "ANTHROPIC_BASE_URL")
	setString(&c.LLM.Model, "CLAUDE_MODEL")
	setInt(&c.LLM.MaxTokens, "CLAUDE_MAX_TOKENS")

	setInt(&c.Orchestration.MaxIterations, "MAX_ORCHESTRATION_ITERATIONS")
	setInt(&c.Orchestration.MaxDownstreamCalls, "MAX_DOWNSTREAM_CALLS_PER_REQUEST")
	setInt(&c.Orchestration.DefaultDownstreamPerCall, "DEFAULT_DOWNSTREAM_PER_MCP_CALL")
	setString(&c.Orchestration.DefaultOrg, "DEFAULT_ORG")

	setInt(&c.Sandbox.ExecTimeoutMS, "CODE_EXEC_TIMEOUT_MS")
	setInt(&c.Sandbox.MaxCalls, "MAX_MCP_CALLS_PER_EXECUTION")

	setInt(&c.ToolServers.DiscoveryTimeoutMS, "MCP_DISCOVERY_TIMEOUT_MS")
	setInt(&c.ToolServers.InvocationTimeoutMS, "MCP_INVOCATION_TIMEOUT_MS")
	setInt64(&c.ToolServers.MaxResponseBytes, "MAX_MCP_RESPONSE_SIZE_BYTES")

	setInt(&c.Admin.RateLimitWindowMS, "ADMIN_RATE_LIMIT_WINDOW_MS")
	setInt(&c.Admin.RateLimitMax, "ADMIN_RATE_LIMIT_MAX")

	setString(&c.Storage.SQLitePath, "SQLITE_PATH")
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server addr is required")
	}
	if c.Orchestration.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if c.Orchestration.MaxDownstreamCalls < 1 {
		return fmt.Errorf("max_downstream_calls must be at least 1")
	}
	if c.Sandbox.ExecTimeoutMS < 1 {
		return fmt.Errorf("sandbox exec_timeout_ms must be at least 1")
	}
	if c.ToolServers.MaxResponseBytes < 1 {
		return fmt.Errorf("max_response_bytes must be at least 1")
	}
	return nil
}

// Duration accessors for the millisecond knobs.

func (c *SandboxConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutMS) * time.Millisecond
}

func (c *ToolServersConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(c.DiscoveryTimeoutMS) * time.Millisecond
}

func (c *ToolServersConfig) InvocationTimeout() time.Duration {
	return time.Duration(c.InvocationTimeoutMS) * time.Millisecond
}

func (c *AdminConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
