package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/pkg/models"
)

// Source labels for metrics and tracing, derived from the tool name.
const (
	SourceBuiltin = "builtin"
	SourceMCP     = "mcp"
	SourceSandbox = "sandbox"
)

// mcpSeparator joins server id and tool name in bridged MCP tool names.
const mcpSeparator = "__"

// sandboxTools are routed through the sandbox session manager.
var sandboxTools = map[string]bool{
	"run_shell":  true,
	"run_python": true,
}

// InvokerConfig bounds tool execution.
type InvokerConfig struct {
	// DefaultTimeout applies to tools without an override.
	DefaultTimeout time.Duration
	// Overrides adjusts individual tools' budgets, keyed by tool name.
	Overrides map[string]time.Duration
	// CancelGrace is how long an in-flight tool may keep running after the
	// turn is cancelled before it is detached. Zero means 5s.
	CancelGrace time.Duration
}

// Invoker executes validated tool calls one at a time and translates every
// failure mode into an error result the model can read. It never returns a Go
// error for a tool that merely failed; only for broken invocations of the
// invoker itself.
type Invoker struct {
	registry *Registry
	config   InvokerConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewInvoker creates an invoker over a registry.
func NewInvoker(registry *Registry, config InvokerConfig, metrics *observability.Metrics, logger *slog.Logger) *Invoker {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.CancelGrace <= 0 {
		config.CancelGrace = 5 * time.Second
	}
	return &Invoker{
		registry: registry,
		config:   config,
		metrics:  metrics,
		logger:   logger.With("component", "invoker"),
	}
}

// Source classifies a tool name by its execution backend.
func Source(name string) string {
	if sandboxTools[name] {
		return SourceSandbox
	}
	if strings.Contains(name, mcpSeparator) {
		return SourceMCP
	}
	return SourceBuiltin
}

// ExecuteAll runs the calls sequentially in order. Order matters: a later
// call may depend on an earlier call's side effects.
func (inv *Invoker) ExecuteAll(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, inv.Execute(ctx, call))
	}
	return results
}

// ExecuteRejected produces rejection results for calls a human declined.
func (inv *Invoker) ExecuteRejected(calls []models.ToolCall, reason string) []models.ToolResult {
	if reason == "" {
		reason = "the user rejected this tool call"
	}
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Content:    reason,
			IsError:    true,
			ErrorKind:  FailureRejected,
		})
	}
	return results
}

// Execute runs a single tool call.
func (inv *Invoker) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	start := time.Now()
	source := Source(call.Name)
	ctx, span := observability.StartToolSpan(ctx, call.Name, source)

	result := inv.execute(ctx, call)
	result.ToolCallID = call.ID

	status := "ok"
	var spanErr error
	if result.IsError {
		status = result.ErrorKind
		spanErr = errors.New(result.ErrorKind)
	}
	observability.EndSpan(span, spanErr)
	if inv.metrics != nil {
		inv.metrics.ToolExecutionCounter.WithLabelValues(call.Name, source, status).Inc()
		inv.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
	}
	inv.logger.Debug("tool executed",
		"tool", call.Name, "source", source, "category", inv.category(call.Name),
		"status", status, "duration_ms", time.Since(start).Milliseconds())
	return result
}

func (inv *Invoker) category(name string) string {
	if tool, ok := inv.registry.Get(name); ok {
		return CategoryOf(tool)
	}
	return CategoryGeneral
}

func (inv *Invoker) execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	tool, ok := inv.registry.Get(call.Name)
	if !ok {
		return toolResult(call, Errorf(FailureNotFound, "unknown tool: "+call.Name))
	}

	if err := inv.registry.ValidateArgs(call.Name, call.Arguments); err != nil {
		return toolResult(call, Errorf(FailureInvalidArguments, err.Error()))
	}

	timeout := inv.config.DefaultTimeout
	if override, ok := inv.config.Overrides[call.Name]; ok && override > 0 {
		timeout = override
	}

	// The tool context survives turn cancellation for a bounded grace so a
	// nearly finished tool can still land its result.
	toolCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := inv.safeExecute(toolCtx, tool, call.Arguments)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		select {
		case out = <-done:
		case <-time.After(inv.config.CancelGrace):
			cancel()
			inv.logger.Warn("tool detached after turn cancellation", "tool", call.Name)
			return toolResult(call, Errorf(FailureOrphaned,
				fmt.Sprintf("tool %s detached after turn cancellation", call.Name)))
		}
	}

	switch {
	case out.err == nil && out.res != nil:
		return toolResult(call, out.res)
	case errors.Is(out.err, context.DeadlineExceeded) || errors.Is(toolCtx.Err(), context.DeadlineExceeded):
		return toolResult(call, Errorf(FailureTimeout,
			fmt.Sprintf("tool %s exceeded its %s budget", call.Name, timeout)))
	case out.err != nil:
		return toolResult(call, Errorf(FailureExecution, out.err.Error()))
	default:
		return toolResult(call, Errorf(FailureExecution, "tool returned no result"))
	}
}

// safeExecute isolates tool panics so one broken tool cannot take the turn
// down with it.
func (inv *Invoker) safeExecute(ctx context.Context, tool Tool, args json.RawMessage) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			inv.logger.Error("tool panicked",
				"tool", tool.Name(), "panic", r, "stack", string(debug.Stack()))
			res = nil
			err = fmt.Errorf("tool %s panicked: %v", tool.Name(), r)
		}
	}()
	return tool.Execute(ctx, args)
}

func toolResult(call models.ToolCall, r *Result) models.ToolResult {
	return models.ToolResult{
		ToolCallID: call.ID,
		Content:    r.Content,
		IsError:    r.IsError,
		ErrorKind:  r.ErrorKind,
	}
}
