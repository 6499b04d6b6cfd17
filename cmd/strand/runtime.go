package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/strandlabs/strand/internal/arbiter"
	"github.com/strandlabs/strand/internal/checkpoint"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/dispatch"
	"github.com/strandlabs/strand/internal/locks"
	"github.com/strandlabs/strand/internal/mcp"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/retry"
	"github.com/strandlabs/strand/internal/sandbox"
	"github.com/strandlabs/strand/internal/store"
	"github.com/strandlabs/strand/internal/tools"
	"github.com/strandlabs/strand/internal/tools/builtin"
	"github.com/strandlabs/strand/pkg/models"
)

// runtime is the fully wired core: stores, checkpoints, tools, sandbox,
// arbiter, and the dispatcher on top.
type runtime struct {
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *observability.Metrics
	stores      *store.Set
	checkpoints checkpoint.Store
	sandbox     *sandbox.Manager
	mcp         *mcp.Manager
	dispatcher  *dispatch.Dispatcher
}

// buildRuntime assembles the runtime from config. registerMetrics selects the
// prometheus registerer; the daemon uses the default one, one-shot commands
// pass nil to avoid polluting it.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, registerMetrics prometheus.Registerer) (*runtime, error) {
	metrics := observability.NewMetrics(registerMetrics)

	stores, checkpoints, err := buildStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	if err := registerBuiltins(registry, cfg); err != nil {
		return nil, err
	}

	mcpManager := mcp.NewManager(logger)
	if cfg.MCP.Enabled && len(cfg.MCP.Servers) > 0 {
		if err := mcpManager.ConnectAll(ctx, mcpServerConfigs(cfg)); err != nil {
			return nil, fmt.Errorf("mcp: %w", err)
		}
		names, err := mcpManager.RegisterTools(registry)
		if err != nil {
			return nil, fmt.Errorf("mcp: %w", err)
		}
		logger.Info("MCP tools registered", "count", len(names))
	}

	driver := sandbox.NewDockerDriver()
	if cfg.Timeouts.SandboxBoot > 0 {
		driver.CreateTimeout = cfg.Timeouts.SandboxBoot
	}
	sandboxManager := sandbox.NewManager(driver, sandboxPolicy(cfg), stores.SandboxHistory, metrics, logger)

	arb := arbiter.New(stores.Credentials, stores.Quota, systemKeys(cfg), nil, metrics, logger)

	dispatcher := dispatch.New(dispatch.Options{
		Stores:         stores,
		Checkpoints:    checkpoints,
		Locks:          locks.NewManager(),
		Registry:       registry,
		Policy:         tools.NewPolicy(cfg.Tools.RequireConfirmation, cfg.Tools.AutoApprove),
		Invoker:        invokerConfig(cfg),
		Sandbox:        sandboxManager,
		Arbiter:        arb,
		Bindings:       agentBindings(cfg),
		DefaultBinding: cfg.Agents.Default,
		DefaultModel:   cfg.Models.Default,
		FastModel:      cfg.Models.Fast,
		MaxIterations:  cfg.Engine.MaxIterations,
		ModelTimeout:   cfg.Timeouts.ModelCall,
		TurnTimeout:    cfg.Timeouts.Turn,
		Retry: retry.Config{
			Attempts:    cfg.Retry.Attempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			JitterRatio: cfg.Retry.JitterRatio,
		},
		Metrics: metrics,
		Logger:  logger,
	})

	return &runtime{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		stores:      stores,
		checkpoints: checkpoints,
		sandbox:     sandboxManager,
		mcp:         mcpManager,
		dispatcher:  dispatcher,
	}, nil
}

// close releases external resources in reverse dependency order.
func (r *runtime) close(ctx context.Context) {
	r.mcp.CloseAll()
	r.sandbox.StopReaper(ctx)
	if err := r.stores.Close(); err != nil {
		r.logger.Warn("error closing stores", "error", err)
	}
	if closer, ok := r.checkpoints.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			r.logger.Warn("error closing checkpoint store", "error", err)
		}
	}
}

func buildStores(ctx context.Context, cfg *config.Config) (*store.Set, checkpoint.Store, error) {
	if cfg.Database.URL == "" {
		return store.MemorySet(), checkpoint.NewMemoryStore(), nil
	}

	pgCfg := store.DefaultPostgresConfig()
	if cfg.Database.MaxConnections > 0 {
		pgCfg.MaxOpenConns = cfg.Database.MaxConnections
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pgCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	pg, err := store.NewPostgresStore(cfg.Database.URL, pgCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	if err := pg.InitSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("database schema: %w", err)
	}

	checkpoints, err := checkpoint.NewPostgresStore(pg.DB())
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint store: %w", err)
	}
	if err := checkpoints.InitSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("checkpoint schema: %w", err)
	}

	return store.PostgresSet(pg), checkpoints, nil
}

func registerBuiltins(registry *tools.Registry, cfg *config.Config) error {
	fileCfg := builtin.Config{Workspace: cfg.Tools.Workspace}
	for _, t := range []tools.Tool{
		builtin.NewReadFileTool(fileCfg),
		builtin.NewListDirTool(fileCfg),
		builtin.NewGrepTool(fileCfg),
		builtin.NewWebSearchTool(builtin.SearchConfig{SearXNGURL: cfg.Tools.SearXNGURL}),
	} {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("builtin tools: %w", err)
		}
	}
	return nil
}

func sandboxPolicy(cfg *config.Config) sandbox.Policy {
	policy := sandbox.DefaultPolicy()
	if cfg.Sandbox.IdleTimeout > 0 {
		policy.IdleTimeout = cfg.Sandbox.IdleTimeout
	}
	if cfg.Sandbox.MaxDuration > 0 {
		policy.MaxDuration = cfg.Sandbox.MaxDuration
	}
	if cfg.Sandbox.MaxPerUser > 0 {
		policy.MaxPerUser = cfg.Sandbox.MaxPerUser
	}
	if cfg.Sandbox.ReaperInterval > 0 {
		policy.ReaperInterval = cfg.Sandbox.ReaperInterval
	}
	if cfg.Sandbox.Image != "" {
		policy.Image = cfg.Sandbox.Image
	}
	if cfg.Sandbox.NamePrefix != "" {
		policy.NamePrefix = cfg.Sandbox.NamePrefix
	}
	policy.ReplayHistory = cfg.Sandbox.ReplayHistory
	return policy
}

func systemKeys(cfg *config.Config) map[string]arbiter.SystemKey {
	return map[string]arbiter.SystemKey{
		"anthropic": {APIKey: cfg.Providers.Anthropic.APIKey, BaseURL: cfg.Providers.Anthropic.BaseURL},
		"openai":    {APIKey: cfg.Providers.OpenAI.APIKey, BaseURL: cfg.Providers.OpenAI.BaseURL},
	}
}

// invokerConfig derives per-tool execution budgets. Sandbox tools default to
// a longer budget than the global tool timeout; explicit overrides win.
func invokerConfig(cfg *config.Config) tools.InvokerConfig {
	overrides := map[string]time.Duration{
		sandbox.RunShellToolName:  5 * time.Minute,
		sandbox.RunPythonToolName: 5 * time.Minute,
	}
	for name, o := range cfg.Tools.Overrides {
		if o.Timeout > 0 {
			overrides[name] = o.Timeout
		}
	}
	return tools.InvokerConfig{
		DefaultTimeout: cfg.Timeouts.ToolCall,
		Overrides:      overrides,
	}
}

func agentBindings(cfg *config.Config) map[string]models.ThreadConfig {
	out := make(map[string]models.ThreadConfig, len(cfg.Agents.Bindings))
	for name, b := range cfg.Agents.Bindings {
		out[name] = models.ThreadConfig{
			AgentBinding:      name,
			SystemPrompt:      b.SystemPrompt,
			Model:             b.Model,
			Temperature:       b.Temperature,
			MaxTokens:         b.MaxTokens,
			MaxIterations:     b.MaxIterations,
			EnabledTools:      b.EnabledTools,
			EnabledMCPServers: b.EnabledMCPServers,
		}
	}
	return out
}

func mcpServerConfigs(cfg *config.Config) []*mcp.ServerConfig {
	out := make([]*mcp.ServerConfig, 0, len(cfg.MCP.Servers))
	for _, s := range cfg.MCP.Servers {
		out = append(out, &mcp.ServerConfig{
			ID:        s.ID,
			Transport: mcp.TransportType(s.Transport),
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
			Headers:   s.Headers,
			Timeout:   s.Timeout,
		})
	}
	return out
}

func buildLogger(cfg *config.Config, debug bool) *slog.Logger {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
}
