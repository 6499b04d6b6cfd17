// Package dispatch is the entry point for turns. The dispatcher resolves the
// thread, enforces ownership and the one-turn-at-a-time lock, persists
// messages around the engine run, and streams the engine's events to the
// caller.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/internal/arbiter"
	"github.com/strandlabs/strand/internal/checkpoint"
	"github.com/strandlabs/strand/internal/engine"
	"github.com/strandlabs/strand/internal/engine/providers"
	"github.com/strandlabs/strand/internal/locks"
	"github.com/strandlabs/strand/internal/mcp"
	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/retry"
	"github.com/strandlabs/strand/internal/sandbox"
	"github.com/strandlabs/strand/internal/store"
	"github.com/strandlabs/strand/internal/tools"
	"github.com/strandlabs/strand/pkg/models"
)

// DefaultTitle is the placeholder every new thread starts with.
const DefaultTitle = "New conversation"

// ProviderFactory builds an LLM provider from a resolved credential. The
// default factory constructs the real SDK clients; tests substitute fakes.
type ProviderFactory func(res *arbiter.Resolution, model string) (engine.LLMProvider, error)

// DefaultProviderFactory maps a resolution to the matching SDK provider.
func DefaultProviderFactory(res *arbiter.Resolution, model string) (engine.LLMProvider, error) {
	switch res.Provider {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       res.APIKey,
			BaseURL:      res.APIBase,
			DefaultModel: model,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       res.APIKey,
			BaseURL:      res.APIBase,
			DefaultModel: model,
		})
	default:
		return nil, fmt.Errorf("dispatch: unknown provider %q", res.Provider)
	}
}

// ProviderForModel infers the provider from the model name. Anthropic serves
// everything that is not recognizably an OpenAI model.
func ProviderForModel(model string) string {
	if strings.HasPrefix(model, "gpt") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") {
		return "openai"
	}
	return "anthropic"
}

// Options wires a dispatcher. Stores, Checkpoints, Locks, Registry, and
// Arbiter are required; the rest have working defaults.
type Options struct {
	Stores      *store.Set
	Checkpoints checkpoint.Store
	Locks       *locks.Manager
	// Registry holds builtin and MCP-bridged tools shared by all turns.
	// Sandbox tools are added per turn, bound to the thread.
	Registry *tools.Registry
	Policy   *tools.Policy
	Invoker  tools.InvokerConfig
	Sandbox  *sandbox.Manager
	Arbiter  *arbiter.Arbiter
	// Providers builds the LLM client per turn; nil means the SDK factory.
	Providers ProviderFactory

	// Bindings maps agent binding names to thread configs. DefaultBinding is
	// used for threads that name none.
	Bindings       map[string]models.ThreadConfig
	DefaultBinding string
	// DefaultModel serves bindings that leave the model empty. FastModel is
	// the cheap model used for title generation.
	DefaultModel string
	FastModel    string

	MaxIterations int
	ModelTimeout  time.Duration
	TurnTimeout   time.Duration
	Retry         retry.Config

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Dispatcher runs turns. Safe for concurrent use; per-thread serialization
// happens through the lock manager.
type Dispatcher struct {
	opts Options

	logger *slog.Logger
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Providers == nil {
		opts.Providers = DefaultProviderFactory
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 10 * time.Minute
	}
	return &Dispatcher{
		opts:   opts,
		logger: opts.Logger.With("component", "dispatch"),
	}
}

// StartTurnRequest begins a turn. ThreadID empty means create a new thread
// owned by the principal.
type StartTurnRequest struct {
	ThreadID     string
	UserMessage  string
	Principal    models.Principal
	AgentBinding string
}

// ResumeTurnRequest continues an interrupted turn with a human decision.
type ResumeTurnRequest struct {
	ThreadID     string
	CheckpointID string
	Principal    models.Principal
	Decision     engine.Decision
}

// StartTurn runs one turn and streams its events. The stream emits at most
// one session_created, then engine events, then exactly one terminal event.
func (d *Dispatcher) StartTurn(ctx context.Context, req StartTurnRequest) <-chan models.Event {
	out := make(chan models.Event)
	go func() {
		defer close(out)

		if err := req.Principal.Validate(); err != nil {
			sendEvent(ctx, out, models.NewError(models.ErrKindInternal, err.Error()))
			return
		}
		if strings.TrimSpace(req.UserMessage) == "" {
			sendEvent(ctx, out, models.NewError(models.ErrKindInternal, "user message must not be empty"))
			return
		}

		thread, created, errEv := d.resolveThread(ctx, req)
		if errEv != nil {
			sendEvent(ctx, out, *errEv)
			return
		}

		release, err := d.opts.Locks.TryAcquire(thread.ID, "turn:"+uuid.NewString())
		if err != nil {
			sendEvent(ctx, out, models.NewError(models.ErrKindConflict,
				"another turn is already running on this thread"))
			return
		}
		defer release()

		if created {
			if !sendEvent(ctx, out, models.NewSessionCreated(thread.ID)) {
				return
			}
		}

		// The user message is durable before the engine sees it; a failed
		// turn leaves the thread resumable with the message intact.
		userMsg := &models.Message{
			ID:        uuid.NewString(),
			ThreadID:  thread.ID,
			Role:      models.RoleUser,
			Content:   req.UserMessage,
			CreatedAt: time.Now(),
		}
		if err := d.opts.Stores.Messages.Append(ctx, userMsg); err != nil {
			sendEvent(ctx, out, models.NewError(models.ErrKindInternal,
				"failed to persist user message: "+err.Error()))
			return
		}

		state, errEv := d.loadState(ctx, thread.ID)
		if errEv != nil {
			sendEvent(ctx, out, *errEv)
			return
		}
		state.Messages = append(state.Messages, models.ChatMessage{
			Role:    models.RoleUser,
			Content: req.UserMessage,
		})
		baseline := len(state.Messages)

		eng, errEv := d.buildEngine(thread, req.Principal)
		if errEv != nil {
			sendEvent(ctx, out, *errEv)
			return
		}

		turnCtx, cancel := context.WithTimeout(ctx, d.opts.TurnTimeout)
		defer cancel()
		turnCtx, span := observability.StartTurnSpan(turnCtx, thread.ID)

		start := time.Now()
		outcome := d.forward(turnCtx, out, eng.Run(turnCtx, state), thread, state, baseline)
		observability.EndSpan(span, nil)
		d.observeTurn(outcome, start)
	}()
	return out
}

// ResumeTurn continues a suspended turn from a checkpoint. Interrupted
// checkpoints accept any decision; running checkpoints (crash recovery)
// accept approve only; resolved checkpoints replay their prior outcome.
func (d *Dispatcher) ResumeTurn(ctx context.Context, req ResumeTurnRequest) <-chan models.Event {
	out := make(chan models.Event)
	go func() {
		defer close(out)

		if err := req.Principal.Validate(); err != nil {
			sendEvent(ctx, out, models.NewError(models.ErrKindInternal, err.Error()))
			return
		}

		thread, errEv := d.loadOwnedThread(ctx, req.ThreadID, req.Principal)
		if errEv != nil {
			sendEvent(ctx, out, *errEv)
			return
		}

		release, err := d.opts.Locks.TryAcquire(thread.ID, "resume:"+uuid.NewString())
		if err != nil {
			sendEvent(ctx, out, models.NewError(models.ErrKindConflict,
				"another turn is already running on this thread"))
			return
		}
		defer release()

		cp, err := d.opts.Checkpoints.Get(ctx, thread.ID, req.CheckpointID)
		if err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) {
				sendEvent(ctx, out, models.NewError(models.ErrKindNotFound, "checkpoint not found"))
				return
			}
			sendEvent(ctx, out, models.NewError(models.ErrKindInternal, err.Error()))
			return
		}
		if cp.State == nil {
			sendEvent(ctx, out, models.NewError(models.ErrKindConflict,
				"checkpoint is not awaiting a decision"))
			return
		}
		switch cp.State.Status {
		case models.AgentInterrupted:
		case models.AgentRunning:
			// Crash recovery: an approve continues from the mid-turn
			// checkpoint. Reject and modify have no pending calls to act on.
			if req.Decision.Action != engine.DecisionApprove {
				sendEvent(ctx, out, models.NewError(models.ErrKindConflict,
					"checkpoint is not awaiting a decision"))
				return
			}
		default:
			// Already resolved; a repeated resume replays the prior outcome
			// instead of failing.
			d.replayTerminal(ctx, out, cp.State)
			return
		}

		state := cp.State.Clone()
		baseline := len(state.Messages)

		eng, errEv := d.buildEngine(thread, req.Principal)
		if errEv != nil {
			sendEvent(ctx, out, *errEv)
			return
		}

		turnCtx, cancel := context.WithTimeout(ctx, d.opts.TurnTimeout)
		defer cancel()
		turnCtx, span := observability.StartTurnSpan(turnCtx, thread.ID)

		start := time.Now()
		outcome := d.forward(turnCtx, out, eng.Resume(turnCtx, state, req.Decision), thread, state, baseline)
		observability.EndSpan(span, nil)
		d.observeTurn(outcome, start)
	}()
	return out
}

// resolveThread loads an existing thread or creates a new one owned by the
// caller. Returns created=true only for new threads.
func (d *Dispatcher) resolveThread(ctx context.Context, req StartTurnRequest) (*models.Thread, bool, *models.Event) {
	if req.ThreadID != "" {
		thread, errEv := d.loadOwnedThread(ctx, req.ThreadID, req.Principal)
		return thread, false, errEv
	}

	binding := req.AgentBinding
	if binding == "" {
		binding = d.opts.DefaultBinding
	}
	now := time.Now()
	thread := &models.Thread{
		ID:                 uuid.NewString(),
		Owner:              req.Principal,
		AgentBinding:       binding,
		Title:              DefaultTitle,
		TitleAutogenerated: true,
		Status:             models.ThreadActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := d.opts.Stores.Threads.Create(ctx, thread); err != nil {
		ev := models.NewError(models.ErrKindInternal, "failed to create thread: "+err.Error())
		return nil, false, &ev
	}
	return thread, true, nil
}

func (d *Dispatcher) loadOwnedThread(ctx context.Context, threadID string, p models.Principal) (*models.Thread, *models.Event) {
	thread, err := d.opts.Stores.Threads.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ev := models.NewError(models.ErrKindNotFound, "thread not found")
			return nil, &ev
		}
		ev := models.NewError(models.ErrKindInternal, err.Error())
		return nil, &ev
	}
	if !thread.OwnedBy(p) {
		ev := models.NewError(models.ErrKindPermissionDenied, "thread belongs to another principal")
		return nil, &ev
	}
	return thread, nil
}

// replayTerminal re-emits the outcome of an already resolved checkpoint so a
// repeated resume is idempotent.
func (d *Dispatcher) replayTerminal(ctx context.Context, out chan<- models.Event, state *models.AgentState) {
	if state.Status == models.AgentCompleted {
		for i := len(state.Messages) - 1; i >= 0; i-- {
			if state.Messages[i].Role == models.RoleAssistant {
				sendEvent(ctx, out, models.NewDone(state.Messages[i]))
				return
			}
		}
		sendEvent(ctx, out, models.NewDone(models.ChatMessage{Role: models.RoleAssistant}))
		return
	}
	sendEvent(ctx, out, models.NewError(models.ErrKindInternal,
		"turn already failed; start a new turn"))
}

// loadState restores the thread's latest checkpoint, or a fresh state for the
// first turn.
func (d *Dispatcher) loadState(ctx context.Context, threadID string) (*models.AgentState, *models.Event) {
	cp, err := d.opts.Checkpoints.Latest(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return &models.AgentState{}, nil
		}
		ev := models.NewError(models.ErrKindInternal, "failed to load checkpoint: "+err.Error())
		return nil, &ev
	}
	return cp.State.Clone(), nil
}

// turnAuth carries the credential resolution from the provider closure to the
// accounting closure. Both run on the engine goroutine, strictly in sequence.
type turnAuth struct {
	res *arbiter.Resolution
}

// buildEngine assembles the per-turn engine: binding config, thread-bound
// tool registry, credential-resolving provider, and usage accounting.
func (d *Dispatcher) buildEngine(thread *models.Thread, p models.Principal) (*engine.Engine, *models.Event) {
	tc := d.resolveBinding(thread.AgentBinding)
	userKey := p.Key()

	registry, err := d.turnRegistry(thread.ID, userKey)
	if err != nil {
		ev := models.NewError(models.ErrKindInternal, "failed to build tool registry: "+err.Error())
		return nil, &ev
	}
	invoker := tools.NewInvoker(registry, d.opts.Invoker, d.opts.Metrics, d.logger)

	model := tc.Model
	if model == "" {
		model = d.opts.DefaultModel
	}

	auth := &turnAuth{}
	providerFn := func(ctx context.Context) (engine.LLMProvider, error) {
		res, err := d.opts.Arbiter.Authorize(ctx, userKey, ProviderForModel(model), models.CapabilityText)
		if err != nil {
			return nil, err
		}
		auth.res = res
		return d.opts.Providers(res, model)
	}
	accountFn := func(ctx context.Context, in, out int) {
		res := auth.res
		if res == nil {
			return
		}
		err := d.opts.Arbiter.Account(ctx, &arbiter.Usage{
			UserID:       userKey,
			Capability:   models.CapabilityText,
			Provider:     res.Provider,
			Model:        model,
			Source:       res.Source,
			InputTokens:  in,
			OutputTokens: out,
		})
		if err != nil {
			d.logger.Warn("usage accounting failed", "thread_id", thread.ID, "error", err)
		}
	}

	maxIter := tc.MaxIterations
	if maxIter <= 0 {
		maxIter = d.opts.MaxIterations
	}
	cfg := engine.Config{
		SystemPrompt:  tc.SystemPrompt,
		Model:         model,
		Temperature:   float32(tc.Temperature),
		MaxTokens:     tc.MaxTokens,
		MaxIterations: maxIter,
		ModelTimeout:  d.opts.ModelTimeout,
		EnabledTools:  enabledToolNames(registry, tc),
		Retry:         d.opts.Retry,
	}

	// Tools that declare a confirmation default interrupt even when the
	// configured policy globs are empty.
	policy := d.opts.Policy.WithToolDefaults(registry)

	eng := engine.New(thread.ID, cfg, providerFn, accountFn, invoker, registry,
		policy, d.opts.Checkpoints, d.opts.Metrics, d.logger)
	return eng, nil
}

// resolveBinding maps a binding name to its thread config, falling back to
// runtime defaults for unknown or empty names.
func (d *Dispatcher) resolveBinding(name string) models.ThreadConfig {
	if name == "" {
		name = d.opts.DefaultBinding
	}
	if tc, ok := d.opts.Bindings[name]; ok {
		tc.AgentBinding = name
		return tc
	}
	return models.ThreadConfig{
		AgentBinding:  name,
		Model:         d.opts.DefaultModel,
		MaxIterations: d.opts.MaxIterations,
	}
}

// turnRegistry combines the shared registry with the thread's sandbox tools.
func (d *Dispatcher) turnRegistry(threadID, userKey string) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if d.opts.Registry != nil {
		for _, t := range d.opts.Registry.List() {
			if err := registry.Register(t); err != nil {
				return nil, err
			}
		}
	}
	if d.opts.Sandbox != nil {
		for _, t := range sandbox.NewTurnTools(d.opts.Sandbox, threadID, userKey) {
			if err := registry.Register(t); err != nil {
				return nil, err
			}
		}
	}
	return registry, nil
}

// enabledToolNames computes the engine's tool filter from the binding. A nil
// result enables everything. MCP tools additionally require their server to
// appear in the binding's enabled server list, when one is set.
func enabledToolNames(registry *tools.Registry, tc models.ThreadConfig) []string {
	if tc.EnabledTools == nil && tc.EnabledMCPServers == nil {
		return nil
	}

	allowedTool := map[string]bool{}
	for _, name := range tc.EnabledTools {
		allowedTool[name] = true
	}
	allowedServer := map[string]bool{}
	for _, server := range tc.EnabledMCPServers {
		allowedServer[server] = true
	}

	out := []string{}
	for _, t := range registry.List() {
		name := t.Name()
		if server, _, isMCP := strings.Cut(name, mcp.ToolSeparator); isMCP {
			if tc.EnabledMCPServers != nil && !allowedServer[server] {
				continue
			}
		}
		if tc.EnabledTools != nil && !allowedTool[name] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// forward relays engine events to the caller. On done or interrupt it flushes
// the turn's new messages and thread counters before emitting the terminal
// event; on error nothing beyond the user message persists. Returns the
// outcome label for metrics, or "" when the caller went away.
func (d *Dispatcher) forward(ctx context.Context, out chan<- models.Event, events <-chan models.Event, thread *models.Thread, state *models.AgentState, baseline int) string {
	for ev := range events {
		if !ev.IsTerminal() {
			if !sendEvent(ctx, out, ev) {
				return ""
			}
			continue
		}

		switch ev.Type {
		case models.EventDone, models.EventInterrupt:
			d.flushTurn(ctx, thread, state, baseline)
			if ev.Type == models.EventDone {
				d.maybeGenerateTitle(thread, state)
			}
		}
		if !sendEvent(ctx, out, ev) {
			return ""
		}
		return outcomeLabel(ev.Type)
	}
	return ""
}

// flushTurn persists the messages the engine appended during this turn and
// refreshes the thread counters.
func (d *Dispatcher) flushTurn(ctx context.Context, thread *models.Thread, state *models.AgentState, baseline int) {
	// Flushing must survive caller cancellation; the engine already
	// checkpointed this state.
	ctx = context.WithoutCancel(ctx)

	for _, msg := range state.Messages[baseline:] {
		for _, row := range messageRows(thread.ID, msg) {
			if err := d.opts.Stores.Messages.Append(ctx, row); err != nil {
				d.logger.Error("failed to persist message",
					"thread_id", thread.ID, "role", row.Role, "error", err)
			}
		}
	}

	count, err := d.opts.Stores.Threads.CountMessages(ctx, thread.ID)
	if err != nil {
		d.logger.Warn("failed to count messages", "thread_id", thread.ID, "error", err)
		count = thread.MessageCount
	}
	thread.MessageCount = count
	thread.TokenCount = state.TotalTokens
	thread.UpdatedAt = time.Now()
	if err := d.opts.Stores.Threads.Update(ctx, thread); err != nil {
		d.logger.Error("failed to update thread", "thread_id", thread.ID, "error", err)
	}
}

// messageRows converts one engine chat message into persisted rows. A tool
// message fans out to one row per result, each bound to its call id.
func messageRows(threadID string, msg models.ChatMessage) []*models.Message {
	now := time.Now()
	if msg.Role == models.RoleTool {
		rows := make([]*models.Message, 0, len(msg.ToolResults))
		for _, tr := range msg.ToolResults {
			row := &models.Message{
				ID:         uuid.NewString(),
				ThreadID:   threadID,
				Role:       models.RoleTool,
				Content:    tr.Content,
				ToolCallID: tr.ToolCallID,
				CreatedAt:  now,
			}
			if tr.IsError {
				row.Metadata = map[string]any{
					"is_error":   true,
					"error_kind": tr.ErrorKind,
				}
			}
			rows = append(rows, row)
		}
		return rows
	}
	return []*models.Message{{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      msg.Role,
		Content:   msg.Content,
		ToolCalls: msg.ToolCalls,
		CreatedAt: now,
	}}
}

func (d *Dispatcher) observeTurn(outcome string, start time.Time) {
	if outcome == "" || d.opts.Metrics == nil {
		return
	}
	d.opts.Metrics.TurnCounter.WithLabelValues(outcome).Inc()
	d.opts.Metrics.TurnDuration.Observe(time.Since(start).Seconds())
}

func outcomeLabel(t models.EventType) string {
	switch t {
	case models.EventDone:
		return "done"
	case models.EventInterrupt:
		return "interrupt"
	default:
		return "error"
	}
}

// sendEvent delivers an event unless the caller has gone away.
func sendEvent(ctx context.Context, out chan<- models.Event, ev models.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
