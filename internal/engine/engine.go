package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/strandlabs/strand/internal/arbiter"
	"github.com/strandlabs/strand/internal/checkpoint"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/retry"
	"github.com/strandlabs/strand/internal/tools"
	"github.com/strandlabs/strand/pkg/models"
)

// Config is the per-turn engine configuration, resolved from the thread's
// agent binding by the dispatcher.
type Config struct {
	SystemPrompt  string
	Model         string
	Temperature   float32
	MaxTokens     int
	MaxIterations int
	// ModelTimeout bounds each model call. Zero means 120s.
	ModelTimeout time.Duration
	// EnabledTools filters the registry; nil enables everything.
	EnabledTools []string
	// Retry bounds the model-call retry policy for transient failures.
	Retry retry.Config
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = 120 * time.Second
	}
	if c.Retry.Attempts == 0 {
		c.Retry = retry.DefaultConfig()
	}
	return c
}

// DecisionAction is a human's verdict on pending tool calls.
type DecisionAction string

const (
	DecisionApprove DecisionAction = "approve"
	DecisionReject  DecisionAction = "reject"
	DecisionModify  DecisionAction = "modify"
)

// Decision resolves an interrupt. Reason accompanies reject; NewArguments
// accompanies modify, keyed by tool-call id. Modified arguments are rewritten
// into the checkpointed assistant message so history reflects what actually
// ran.
type Decision struct {
	Action       DecisionAction             `json:"action"`
	Reason       string                     `json:"reason,omitempty"`
	NewArguments map[string]json.RawMessage `json:"new_arguments,omitempty"`
}

// Engine drives one thread's reason/act loop. An Engine instance serves a
// single turn; the dispatcher builds a fresh one per turn with the thread's
// state and tool bindings.
type Engine struct {
	threadID    string
	config      Config
	provider    ProviderFunc
	account     AccountFunc
	invoker     *tools.Invoker
	registry    *tools.Registry
	policy      *tools.Policy
	checkpoints checkpoint.Store
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// New builds an engine for one turn.
func New(threadID string, config Config, provider ProviderFunc, account AccountFunc, invoker *tools.Invoker, registry *tools.Registry, policy *tools.Policy, checkpoints checkpoint.Store, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		threadID:    threadID,
		config:      config.withDefaults(),
		provider:    provider,
		account:     account,
		invoker:     invoker,
		registry:    registry,
		policy:      policy,
		checkpoints: checkpoints,
		metrics:     metrics,
		logger:      logger.With("component", "engine", "thread_id", threadID),
	}
}

// Run starts the loop from the given state and streams events until the turn
// terminates with done, interrupt, or error. The channel closes after the
// terminal event.
func (e *Engine) Run(ctx context.Context, state *models.AgentState) <-chan models.Event {
	events := make(chan models.Event)
	go func() {
		defer close(events)
		state.Status = models.AgentRunning
		e.loop(ctx, state, events)
	}()
	return events
}

// Resume continues an interrupted turn with a human decision. The state must
// be the interrupted checkpoint's state.
func (e *Engine) Resume(ctx context.Context, state *models.AgentState, decision Decision) <-chan models.Event {
	events := make(chan models.Event)
	go func() {
		defer close(events)
		// A running checkpoint is a crash-recovery point: its tail is either
		// a completed tool batch or an assistant message whose calls never
		// ran. Approve continues from there; any pending calls run first.
		if state.Status == models.AgentRunning && state.InterruptReason == nil {
			if decision.Action != DecisionApprove {
				e.emitError(ctx, events, state, models.ErrKindInternal,
					"only approve can continue a running checkpoint", false)
				return
			}
			if calls := unexecutedToolCalls(state); len(calls) > 0 {
				if !e.runTools(ctx, state, calls, events) {
					return
				}
			}
			e.loop(ctx, state, events)
			return
		}

		if state.Status != models.AgentInterrupted || state.InterruptReason == nil {
			e.emitError(ctx, events, state, models.ErrKindInternal,
				"resume requires an interrupted checkpoint", false)
			return
		}

		pending := state.InterruptReason.PendingToolCalls
		state.InterruptReason = nil
		state.Status = models.AgentRunning

		switch decision.Action {
		case DecisionReject:
			// The rejection results join history before the checkpoint so a
			// state loaded later never ends on un-executed tool calls.
			results := e.invoker.ExecuteRejected(pending, decision.Reason)
			state.Messages = append(state.Messages, models.ChatMessage{
				Role:        models.RoleTool,
				ToolResults: results,
			})
			if !e.saveCheckpoint(ctx, state) {
				e.emitError(ctx, events, state, models.ErrKindInternal, "checkpoint write failed", false)
				return
			}
			for _, result := range results {
				if !emit(ctx, events, models.NewToolResultEvent(result)) {
					return
				}
			}

		case DecisionModify:
			e.applyModifications(state, pending, decision.NewArguments)
			if !e.runTools(ctx, state, pending, events) {
				return
			}

		case DecisionApprove:
			if !e.runTools(ctx, state, pending, events) {
				return
			}

		default:
			e.emitError(ctx, events, state, models.ErrKindInternal,
				fmt.Sprintf("unknown decision action %q", decision.Action), false)
			return
		}

		e.loop(ctx, state, events)
	}()
	return events
}

// loop is the engine's state machine. Each cycle: model call, parse, then
// done, interrupt, or tool execution feeding the next cycle.
func (e *Engine) loop(ctx context.Context, state *models.AgentState, events chan<- models.Event) {
	for {
		if state.Iteration >= e.config.MaxIterations {
			e.emitError(ctx, events, state, models.ErrKindIterationLimit,
				fmt.Sprintf("turn exceeded %d iterations", e.config.MaxIterations), true)
			return
		}

		assistant, usageIn, usageOut, err := e.callModel(ctx, state, events)
		if err != nil {
			kind := classifyError(err)
			// Cancellation persists nothing; the previous checkpoint is the
			// resume point.
			e.emitModelError(ctx, events, state, kind, err)
			return
		}

		state.Iteration++
		state.TotalTokens += usageIn + usageOut
		state.Messages = append(state.Messages, *assistant)
		if e.account != nil {
			e.account(ctx, usageIn, usageOut)
		}

		if len(assistant.ToolCalls) == 0 {
			state.Status = models.AgentCompleted
			if !e.saveCheckpoint(ctx, state) {
				e.emitError(ctx, events, state, models.ErrKindInternal, "checkpoint write failed", false)
				return
			}
			emit(ctx, events, models.NewDone(*assistant))
			return
		}

		names := make([]string, len(assistant.ToolCalls))
		for i, tc := range assistant.ToolCalls {
			names[i] = tc.Name
		}
		if e.policy.RequiresConfirmation(names) {
			state.Status = models.AgentInterrupted
			state.InterruptReason = &models.InterruptReason{
				PendingToolCalls: append([]models.ToolCall(nil), assistant.ToolCalls...),
			}
			cp, err := e.checkpoints.Save(ctx, e.threadID, state)
			if err != nil {
				e.emitError(ctx, events, state, models.ErrKindInternal,
					"checkpoint write failed: "+err.Error(), false)
				return
			}
			e.countCheckpoint()
			e.logger.Info("turn interrupted for confirmation",
				"checkpoint_id", cp.ID, "pending", len(assistant.ToolCalls))
			emit(ctx, events, models.NewInterrupt(cp.ID, assistant.ToolCalls))
			return
		}

		if !e.runTools(ctx, state, assistant.ToolCalls, events) {
			return
		}
	}
}

// runTools checkpoints the pre-execution state, executes the calls in order
// emitting tool_call and tool_result pairs, then checkpoints again with the
// tool-role message appended. The post-batch checkpoint is the recovery
// point: a crash after it never re-executes the tools. Returns false when
// the turn must stop.
func (e *Engine) runTools(ctx context.Context, state *models.AgentState, calls []models.ToolCall, events chan<- models.Event) bool {
	if !e.saveCheckpoint(ctx, state) {
		e.emitError(ctx, events, state, models.ErrKindInternal, "checkpoint write failed", false)
		return false
	}

	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if !emit(ctx, events, models.NewToolCallEvent(call)) {
			return false
		}
		result := e.invoker.Execute(ctx, call)
		results = append(results, result)
		if !emit(ctx, events, models.NewToolResultEvent(result)) {
			return false
		}
	}

	state.Messages = append(state.Messages, models.ChatMessage{
		Role:        models.RoleTool,
		ToolResults: results,
	})
	if !e.saveCheckpoint(ctx, state) {
		e.emitError(ctx, events, state, models.ErrKindInternal, "checkpoint write failed", false)
		return false
	}
	return true
}

// unexecutedToolCalls returns the tail assistant message's tool calls when no
// tool results followed them yet.
func unexecutedToolCalls(state *models.AgentState) []models.ToolCall {
	if len(state.Messages) == 0 {
		return nil
	}
	last := state.Messages[len(state.Messages)-1]
	if last.Role != models.RoleAssistant {
		return nil
	}
	return last.ToolCalls
}

// callModel resolves the provider, issues the completion with bounded retry,
// and streams token deltas. Returns the assembled assistant message and the
// reported token usage.
func (e *Engine) callModel(ctx context.Context, state *models.AgentState, events chan<- models.Event) (*models.ChatMessage, int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.ModelTimeout)
	defer cancel()

	var (
		assistant *models.ChatMessage
		usageIn   int
		usageOut  int
	)

	err := retry.Do(ctx, e.config.Retry, func(attempt int) error {
		provider, err := e.provider(ctx)
		if err != nil {
			return retry.Permanent(err)
		}

		req := &CompletionRequest{
			Model:       e.config.Model,
			System:      e.config.SystemPrompt,
			Messages:    state.Messages,
			Tools:       Descriptors(e.registry, e.config.EnabledTools),
			Temperature: e.config.Temperature,
			MaxTokens:   e.config.MaxTokens,
		}

		start := time.Now()
		mctx, span := observability.StartModelSpan(ctx, provider.Name(), e.config.Model, state.Iteration)
		msg, in, out, streamErr := e.consumeStream(mctx, provider, req, events)
		observability.EndSpan(span, streamErr)
		if e.metrics != nil {
			status := "success"
			if streamErr != nil {
				status = "error"
			}
			e.metrics.LLMRequestCounter.WithLabelValues(provider.Name(), e.config.Model, status).Inc()
			e.metrics.LLMRequestDuration.WithLabelValues(provider.Name(), e.config.Model).Observe(time.Since(start).Seconds())
		}
		if streamErr != nil {
			if IsTransient(streamErr) {
				e.logger.Warn("model call failed, will retry",
					"attempt", attempt, "error", streamErr)
				return streamErr
			}
			return retry.Permanent(streamErr)
		}

		assistant, usageIn, usageOut = msg, in, out
		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return assistant, usageIn, usageOut, nil
}

// consumeStream drains one completion stream into an assistant message,
// emitting token_delta events as text arrives. A failure after content has
// already streamed is not retried; replaying partial output would duplicate
// tokens the caller has seen.
func (e *Engine) consumeStream(ctx context.Context, provider LLMProvider, req *CompletionRequest, events chan<- models.Event) (*models.ChatMessage, int, int, error) {
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, 0, 0, err
	}

	var (
		content   strings.Builder
		toolCalls []models.ToolCall
		usageIn   int
		usageOut  int
		emitted   bool
	)

	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			var te *TransientError
			if emitted && errors.As(chunk.Err, &te) {
				// Retrying after partial output would replay tokens the
				// caller already saw; strip the transient marker.
				return nil, 0, 0, fmt.Errorf("stream failed after partial output: %w", te.Err)
			}
			return nil, 0, 0, chunk.Err
		case chunk.ToolCall != nil:
			toolCalls = append(toolCalls, *chunk.ToolCall)
		case chunk.Text != "":
			content.WriteString(chunk.Text)
			emitted = true
			if !emit(ctx, events, models.NewTokenDelta(chunk.Text)) {
				return nil, 0, 0, ctx.Err()
			}
		case chunk.Done:
			usageIn = chunk.InputTokens
			usageOut = chunk.OutputTokens
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}

	return &models.ChatMessage{
		Role:      models.RoleAssistant,
		Content:   content.String(),
		ToolCalls: toolCalls,
	}, usageIn, usageOut, nil
}

// applyModifications rewrites pending tool-call arguments in place, both in
// the pending list and in the checkpointed assistant message, so the persisted
// history shows what actually ran. Validation happens in the invoker; a bad
// modification comes back as an invalid_arguments result the model can react
// to.
func (e *Engine) applyModifications(state *models.AgentState, pending []models.ToolCall, newArgs map[string]json.RawMessage) {
	if len(newArgs) == 0 {
		return
	}
	for i, call := range pending {
		if args, ok := newArgs[call.ID]; ok {
			pending[i].Arguments = args
		}
	}
	for i := len(state.Messages) - 1; i >= 0; i-- {
		msg := &state.Messages[i]
		if msg.Role != models.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		for j, call := range msg.ToolCalls {
			if args, ok := newArgs[call.ID]; ok {
				msg.ToolCalls[j].Arguments = args
			}
		}
		break
	}
}

// saveCheckpoint persists the current state and reports success.
func (e *Engine) saveCheckpoint(ctx context.Context, state *models.AgentState) bool {
	if _, err := e.checkpoints.Save(ctx, e.threadID, state); err != nil {
		e.logger.Error("checkpoint write failed", "error", err)
		return false
	}
	e.countCheckpoint()
	return true
}

func (e *Engine) countCheckpoint() {
	if e.metrics != nil {
		e.metrics.CheckpointWrites.WithLabelValues(e.checkpoints.Backend()).Inc()
	}
}

// emitError marks the state failed, optionally checkpoints it, and emits the
// terminal error event. Cancellation skips the checkpoint so the previous one
// stays the resume point.
func (e *Engine) emitError(ctx context.Context, events chan<- models.Event, state *models.AgentState, kind models.ErrorKind, msg string, persist bool) {
	state.Status = models.AgentFailed
	if persist {
		if _, err := e.checkpoints.Save(ctx, e.threadID, state); err != nil {
			e.logger.Error("checkpoint write failed during error handling", "error", err)
		} else {
			e.countCheckpoint()
		}
	}
	e.logger.Warn("turn failed", "kind", kind, "error", msg)
	emit(ctx, events, models.NewError(kind, msg))
}

// emitModelError is emitError plus kind-specific details, like the quota
// numbers on a quota_exceeded failure.
func (e *Engine) emitModelError(ctx context.Context, events chan<- models.Event, state *models.AgentState, kind models.ErrorKind, err error) {
	persist := kind != models.ErrKindCancelled
	var qe *arbiter.QuotaError
	if errors.As(err, &qe) {
		// Quota denial precedes any model output; no checkpoint is written
		// and the previous one stays the resume point.
		state.Status = models.AgentFailed
		e.logger.Warn("turn failed", "kind", kind, "error", err)
		emit(ctx, events, models.NewErrorDetails(kind, err.Error(), map[string]any{
			"capability": string(qe.Capability),
			"limit":      qe.Limit,
			"used":       qe.Used,
		}))
		return
	}
	e.emitError(ctx, events, state, kind, err.Error(), persist)
}

// classifyError maps loop failures to the error taxonomy surfaced to callers.
func classifyError(err error) models.ErrorKind {
	var qe *arbiter.QuotaError
	switch {
	case errors.Is(err, context.Canceled):
		return models.ErrKindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return models.ErrKindModelError
	case errors.Is(err, arbiter.ErrNoKey):
		return models.ErrKindNoKeyConfigured
	case errors.As(err, &qe):
		return models.ErrKindQuotaExceeded
	default:
		return models.ErrKindModelError
	}
}

// emit sends an event unless the caller has gone away.
func emit(ctx context.Context, events chan<- models.Event, ev models.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
