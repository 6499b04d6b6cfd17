// Package config loads the per-process runtime configuration. The config is
// immutable after start; components receive the sub-structs they need.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the strand runtime.
type Config struct {
	Models     ModelsConfig     `yaml:"models"`
	Engine     EngineConfig     `yaml:"engine"`
	Retry      RetryConfig      `yaml:"retry"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Anonymous  AnonymousConfig  `yaml:"anonymous_session"`
	Database   DatabaseConfig   `yaml:"database"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Tools      ToolsConfig      `yaml:"tools"`
	Agents     AgentsConfig     `yaml:"agents"`
	MCP        MCPConfig        `yaml:"mcp"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ModelsConfig names the default models used by the dispatcher and engine.
type ModelsConfig struct {
	// Default is used for turns whose thread config does not name a model.
	Default string `yaml:"default"`
	// Fast is the cheap model used for title generation.
	Fast string `yaml:"fast"`
}

// EngineConfig bounds the reason/act loop.
type EngineConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

// RetryConfig controls model-call retry behavior on transient failures.
type RetryConfig struct {
	Attempts    int           `yaml:"attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	JitterRatio float64       `yaml:"jitter_ratio"`
}

// TimeoutsConfig holds the wall-clock budgets for suspension points.
type TimeoutsConfig struct {
	ModelCall   time.Duration `yaml:"model_call"`
	ToolCall    time.Duration `yaml:"tool_call"`
	SandboxBoot time.Duration `yaml:"sandbox_boot"`
	Turn        time.Duration `yaml:"turn"`
}

// SandboxConfig is the session manager policy.
type SandboxConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxDuration    time.Duration `yaml:"max_duration"`
	MaxPerUser     int           `yaml:"max_per_user"`
	ReaperInterval time.Duration `yaml:"reaper_interval"`
	Image          string        `yaml:"image"`
	NamePrefix     string        `yaml:"name_prefix"`
	ReplayHistory  bool          `yaml:"replay_history"`
}

// CheckpointConfig controls checkpoint retention.
type CheckpointConfig struct {
	RetentionDays        int    `yaml:"retention_days"`
	MinRetainedPerThread int    `yaml:"min_retained_per_thread"`
	SweepSchedule        string `yaml:"sweep_schedule"`
}

// AnonymousConfig controls the TTL sweep for anonymous threads.
type AnonymousConfig struct {
	TTLDays       int    `yaml:"ttl_days"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

// DatabaseConfig selects the durable backend. When URL is empty the runtime
// uses in-memory stores (dev/test only).
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// ProvidersConfig holds system-wide LLM credentials, used when a caller has
// no credential of their own.
type ProvidersConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
}

// ProviderConfig is a single provider's system credential.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ToolsConfig is the HITL policy plus per-tool overrides and the builtin
// tool settings.
type ToolsConfig struct {
	RequireConfirmation []string                `yaml:"require_confirmation"`
	AutoApprove         []string                `yaml:"auto_approve"`
	Overrides           map[string]ToolOverride `yaml:"overrides"`
	// Workspace roots the filesystem tools. Empty means the working directory.
	Workspace string `yaml:"workspace"`
	// SearXNGURL points web search at a SearXNG instance.
	SearXNGURL string `yaml:"searxng_url"`
}

// ToolOverride adjusts a single tool's execution budget.
type ToolOverride struct {
	Timeout time.Duration `yaml:"timeout"`
}

// AgentsConfig maps binding names to per-thread agent settings. Threads that
// name no binding use Default; an empty Default falls back to built-in
// defaults.
type AgentsConfig struct {
	Default  string                        `yaml:"default"`
	Bindings map[string]AgentBindingConfig `yaml:"bindings"`
}

// AgentBindingConfig is one named agent configuration.
type AgentBindingConfig struct {
	SystemPrompt      string   `yaml:"system_prompt"`
	Model             string   `yaml:"model"`
	Temperature       float64  `yaml:"temperature"`
	MaxTokens         int      `yaml:"max_tokens"`
	MaxIterations     int      `yaml:"max_iterations"`
	EnabledTools      []string `yaml:"enabled_tools"`
	EnabledMCPServers []string `yaml:"enabled_mcp_servers"`
}

// MCPConfig enumerates external tool servers.
type MCPConfig struct {
	Enabled bool              `yaml:"enabled"`
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	ID        string            `yaml:"id"`
	Transport string            `yaml:"transport"` // stdio or http
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"`
}

// LoggingConfig configures structured logging output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// DefaultConfig returns the configuration defaults. Values mirror the
// documented runtime defaults.
func DefaultConfig() *Config {
	return &Config{
		Models: ModelsConfig{
			Default: "claude-sonnet-4-20250514",
			Fast:    "claude-3-5-haiku-20241022",
		},
		Engine: EngineConfig{MaxIterations: 20},
		Retry: RetryConfig{
			Attempts:    3,
			BaseDelay:   time.Second,
			MaxDelay:    4 * time.Second,
			JitterRatio: 0.2,
		},
		Timeouts: TimeoutsConfig{
			ModelCall:   120 * time.Second,
			ToolCall:    30 * time.Second,
			SandboxBoot: 30 * time.Second,
			Turn:        10 * time.Minute,
		},
		Sandbox: SandboxConfig{
			IdleTimeout:    15 * time.Minute,
			MaxDuration:    2 * time.Hour,
			MaxPerUser:     3,
			ReaperInterval: time.Minute,
			Image:          "strand-sandbox:latest",
			NamePrefix:     "strand-sbx-",
		},
		Checkpoint: CheckpointConfig{
			RetentionDays:        7,
			MinRetainedPerThread: 3,
			SweepSchedule:        "@hourly",
		},
		Anonymous: AnonymousConfig{
			TTLDays:       14,
			SweepSchedule: "@daily",
		},
		Database: DatabaseConfig{
			MaxConnections:  20,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads configuration from a YAML file, applies defaults for unset
// fields, then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and the database URL from the environment so
// they never have to live in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("STRAND_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("STRAND_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks internal consistency.
func (c *Config) Validate() error {
	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("config: engine.max_iterations must be positive, got %d", c.Engine.MaxIterations)
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("config: retry.attempts must be positive, got %d", c.Retry.Attempts)
	}
	if c.Retry.JitterRatio < 0 || c.Retry.JitterRatio >= 1 {
		return fmt.Errorf("config: retry.jitter_ratio must be in [0, 1), got %g", c.Retry.JitterRatio)
	}
	if c.Sandbox.MaxPerUser <= 0 {
		return fmt.Errorf("config: sandbox.max_per_user must be positive, got %d", c.Sandbox.MaxPerUser)
	}
	if c.Checkpoint.RetentionDays <= 0 {
		return fmt.Errorf("config: checkpoint.retention_days must be positive, got %d", c.Checkpoint.RetentionDays)
	}
	if c.Checkpoint.MinRetainedPerThread < 0 {
		return fmt.Errorf("config: checkpoint.min_retained_per_thread must not be negative")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: logging.format must be json or text, got %q", c.Logging.Format)
	}
	for i, s := range c.MCP.Servers {
		if s.ID == "" {
			return fmt.Errorf("config: mcp.servers[%d]: id is required", i)
		}
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("config: mcp server %s: command required for stdio transport", s.ID)
			}
		case "http":
			if s.URL == "" {
				return fmt.Errorf("config: mcp server %s: url required for http transport", s.ID)
			}
		default:
			return fmt.Errorf("config: mcp server %s: unknown transport %q", s.ID, s.Transport)
		}
	}
	return nil
}
