package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/strandlabs/strand/internal/arbiter"
	"github.com/strandlabs/strand/internal/checkpoint"
	"github.com/strandlabs/strand/internal/retry"
	"github.com/strandlabs/strand/internal/tools"
	"github.com/strandlabs/strand/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider replays a scripted chunk sequence per Complete call.
type fakeProvider struct {
	scripts  [][]*CompletionChunk
	calls    int
	requests []*CompletionRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	f.requests = append(f.requests, req)
	if f.calls >= len(f.scripts) {
		return nil, errors.New("fake: no more scripted responses")
	}
	script := f.scripts[f.calls]
	f.calls++

	chunks := make(chan *CompletionChunk)
	go func() {
		defer close(chunks)
		for _, c := range script {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, nil
}

func textTurn(text string) []*CompletionChunk {
	return []*CompletionChunk{
		{Text: text},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

func toolTurn(id, name, args string) []*CompletionChunk {
	return []*CompletionChunk{
		{ToolCall: &models.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

// echoTool returns its text argument.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echoes text back" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"],
		"additionalProperties": false
	}`)
}
func (echoTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return tools.Errorf(tools.FailureInvalidArguments, err.Error()), nil
	}
	return &tools.Result{Content: p.Text}, nil
}

type harness struct {
	engine      *Engine
	provider    *fakeProvider
	checkpoints *checkpoint.MemoryStore
	accounted   []int
}

func newHarness(t *testing.T, provider *fakeProvider, cfg Config, confirm []string) *harness {
	t.Helper()

	registry := tools.NewRegistry()
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}
	invoker := tools.NewInvoker(registry, tools.InvokerConfig{}, nil, discardLogger())
	policy := tools.NewPolicy(confirm, nil)
	checkpoints := checkpoint.NewMemoryStore()

	h := &harness{provider: provider, checkpoints: checkpoints}
	providerFn := func(ctx context.Context) (LLMProvider, error) { return provider, nil }
	account := func(ctx context.Context, in, out int) { h.accounted = append(h.accounted, in+out) }

	cfg.Retry = retry.Config{Attempts: 2, BaseDelay: 1, MaxDelay: 1}
	h.engine = New("t1", cfg, providerFn, account, invoker, registry, policy, checkpoints, nil, discardLogger())
	return h
}

func collect(t *testing.T, events <-chan models.Event) []models.Event {
	t.Helper()
	var out []models.Event
	for ev := range events {
		out = append(out, ev)
	}
	if len(out) == 0 {
		t.Fatal("no events emitted")
	}
	last := out[len(out)-1]
	if !last.IsTerminal() {
		t.Fatalf("stream did not end with a terminal event: %+v", last)
	}
	return out
}

func eventTypes(events []models.Event) []models.EventType {
	out := make([]models.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestRunCompletesWithoutTools(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{textTurn("hello there")}}
	h := newHarness(t, provider, Config{Model: "m"}, nil)

	state := &models.AgentState{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}}
	events := collect(t, h.engine.Run(context.Background(), state))

	last := events[len(events)-1]
	if last.Type != models.EventDone {
		t.Fatalf("terminal event = %v", last.Type)
	}
	done := last.Data.(models.DoneData)
	if done.FinalMessage.Content != "hello there" {
		t.Errorf("final message = %q", done.FinalMessage.Content)
	}

	// Token deltas precede the terminal event.
	if events[0].Type != models.EventTokenDelta {
		t.Errorf("first event = %v, want token_delta", events[0].Type)
	}

	// The completed state was checkpointed before done was emitted.
	cp, err := h.checkpoints.Latest(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if cp.State.Status != models.AgentCompleted || cp.State.Iteration != 1 {
		t.Errorf("checkpoint state = %+v", cp.State)
	}
	if cp.State.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d", cp.State.TotalTokens)
	}
	if len(h.accounted) != 1 || h.accounted[0] != 15 {
		t.Errorf("accounted = %v", h.accounted)
	}
}

func TestRunExecutesToolLoop(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolTurn("call_abc", "echo", `{"text": "ping"}`),
		textTurn("the tool said ping"),
	}}
	h := newHarness(t, provider, Config{Model: "m"}, nil)

	state := &models.AgentState{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "run echo"}}}
	events := collect(t, h.engine.Run(context.Background(), state))

	types := eventTypes(events)
	want := []models.EventType{
		models.EventToolCall, models.EventToolResult,
		models.EventTokenDelta, models.EventDone,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %v, want %v (all: %v)", i, types[i], want[i], types)
		}
	}

	// Tool call id round-trips bit-exact into the result.
	tc := events[0].Data.(models.ToolCallData)
	tr := events[1].Data.(models.ToolResultData)
	if tc.ID != "call_abc" || tr.ID != "call_abc" {
		t.Errorf("ids: call=%q result=%q", tc.ID, tr.ID)
	}
	if !tr.Success || tr.Output != "ping" {
		t.Errorf("result = %+v", tr)
	}

	// The second model call saw the tool result in history.
	second := provider.requests[1]
	lastMsg := second.Messages[len(second.Messages)-1]
	if lastMsg.Role != models.RoleTool || lastMsg.ToolResults[0].ToolCallID != "call_abc" {
		t.Errorf("second request tail = %+v", lastMsg)
	}
}

func TestRunInterruptsOnConfirmationPolicy(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolTurn("call_1", "echo", `{"text": "dangerous"}`),
	}}
	h := newHarness(t, provider, Config{Model: "m"}, []string{"echo"})

	state := &models.AgentState{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "go"}}}
	events := collect(t, h.engine.Run(context.Background(), state))

	last := events[len(events)-1]
	if last.Type != models.EventInterrupt {
		t.Fatalf("terminal event = %v", last.Type)
	}
	data := last.Data.(models.InterruptData)
	if data.CheckpointID == "" || len(data.PendingToolCalls) != 1 {
		t.Fatalf("interrupt data = %+v", data)
	}

	// The interrupted checkpoint holds the assistant message and the pending
	// calls, so a resume sees the full context.
	cp, err := h.checkpoints.Get(context.Background(), "t1", data.CheckpointID)
	if err != nil {
		t.Fatal(err)
	}
	if cp.State.Status != models.AgentInterrupted || cp.State.InterruptReason == nil {
		t.Fatalf("checkpoint state = %+v", cp.State)
	}
	tail := cp.State.Messages[len(cp.State.Messages)-1]
	if tail.Role != models.RoleAssistant || len(tail.ToolCalls) != 1 {
		t.Errorf("checkpointed tail message = %+v", tail)
	}
}

func interruptedState(t *testing.T) *models.AgentState {
	t.Helper()
	call := models.ToolCall{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{"text": "original"}`)}
	return &models.AgentState{
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: "go"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
		},
		Iteration:       1,
		Status:          models.AgentInterrupted,
		InterruptReason: &models.InterruptReason{PendingToolCalls: []models.ToolCall{call}},
	}
}

func TestResumeApproveExecutesPending(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{textTurn("done now")}}
	h := newHarness(t, provider, Config{Model: "m"}, []string{"echo"})

	events := collect(t, h.engine.Resume(context.Background(), interruptedState(t), Decision{Action: DecisionApprove}))

	types := eventTypes(events)
	if types[0] != models.EventToolCall || types[1] != models.EventToolResult {
		t.Fatalf("types = %v", types)
	}
	tr := events[1].Data.(models.ToolResultData)
	if !tr.Success || tr.Output != "original" {
		t.Errorf("result = %+v", tr)
	}
	if events[len(events)-1].Type != models.EventDone {
		t.Errorf("terminal = %v", events[len(events)-1].Type)
	}
}

func TestResumeRejectFeedsRejectionToModel(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{textTurn("understood, stopping")}}
	h := newHarness(t, provider, Config{Model: "m"}, []string{"echo"})

	events := collect(t, h.engine.Resume(context.Background(), interruptedState(t),
		Decision{Action: DecisionReject, Reason: "not allowed"}))

	tr := events[0].Data.(models.ToolResultData)
	if tr.Success || tr.Error != "not allowed" {
		t.Errorf("rejection result = %+v", tr)
	}

	// The model's next request sees the rejection as a failed tool result.
	req := provider.requests[0]
	tail := req.Messages[len(req.Messages)-1]
	if tail.Role != models.RoleTool || !tail.ToolResults[0].IsError ||
		tail.ToolResults[0].ErrorKind != tools.FailureRejected {
		t.Errorf("request tail = %+v", tail)
	}
}

func TestResumeModifyRewritesArguments(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{textTurn("ok")}}
	h := newHarness(t, provider, Config{Model: "m"}, []string{"echo"})

	state := interruptedState(t)
	events := collect(t, h.engine.Resume(context.Background(), state, Decision{
		Action:       DecisionModify,
		NewArguments: map[string]json.RawMessage{"call_1": json.RawMessage(`{"text": "modified"}`)},
	}))

	tr := events[1].Data.(models.ToolResultData)
	if tr.Output != "modified" {
		t.Errorf("tool ran with %q, want modified arguments", tr.Output)
	}

	// The assistant message in history reflects the modification.
	assistant := state.Messages[1]
	if string(assistant.ToolCalls[0].Arguments) != `{"text": "modified"}` {
		t.Errorf("history arguments = %s", assistant.ToolCalls[0].Arguments)
	}
}

func TestResumeModifyInvalidArgsBecomesToolError(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{textTurn("I see the tool failed")}}
	h := newHarness(t, provider, Config{Model: "m"}, []string{"echo"})

	events := collect(t, h.engine.Resume(context.Background(), interruptedState(t), Decision{
		Action:       DecisionModify,
		NewArguments: map[string]json.RawMessage{"call_1": json.RawMessage(`{"wrong": 1}`)},
	}))

	tr := events[1].Data.(models.ToolResultData)
	if tr.Success {
		t.Errorf("invalid modification should fail schema validation: %+v", tr)
	}
	if events[len(events)-1].Type != models.EventDone {
		t.Errorf("the loop should continue after a failed tool")
	}
}

func TestRunCheckpointsToolBatch(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		toolTurn("call_abc", "echo", `{"text": "ping"}`),
		textTurn("the tool said ping"),
	}}
	h := newHarness(t, provider, Config{Model: "m"}, nil)

	state := &models.AgentState{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "run echo"}}}
	collect(t, h.engine.Run(context.Background(), state))

	// Three checkpoints: before the batch, after the batch with the results
	// appended, and the completed turn. The post-batch one is the recovery
	// point; restarting from it never re-executes the tools.
	history, err := h.checkpoints.History(context.Background(), "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("checkpoints = %d, want 3", len(history))
	}
	if history[0].State.Status != models.AgentCompleted {
		t.Errorf("newest checkpoint status = %v", history[0].State.Status)
	}

	postBatch := history[1].State
	tail := postBatch.Messages[len(postBatch.Messages)-1]
	if tail.Role != models.RoleTool || len(tail.ToolResults) != 1 ||
		tail.ToolResults[0].ToolCallID != "call_abc" {
		t.Errorf("post-batch checkpoint tail = %+v", tail)
	}

	preBatch := history[2].State
	tail = preBatch.Messages[len(preBatch.Messages)-1]
	if tail.Role != models.RoleAssistant || len(tail.ToolCalls) != 1 {
		t.Errorf("pre-batch checkpoint tail = %+v", tail)
	}
}

func TestResumeApproveContinuesRunningCheckpoint(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{textTurn("wrapped up")}}
	h := newHarness(t, provider, Config{Model: "m"}, nil)

	// A crash after the tool batch leaves a running checkpoint whose tail is
	// the tool-role message. Approve continues straight to the model.
	state := &models.AgentState{
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: "go"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{"text": "hi"}`)},
			}},
			{Role: models.RoleTool, ToolResults: []models.ToolResult{
				{ToolCallID: "call_1", Content: "hi"},
			}},
		},
		Iteration: 1,
		Status:    models.AgentRunning,
	}
	events := collect(t, h.engine.Resume(context.Background(), state, Decision{Action: DecisionApprove}))

	for _, ev := range events {
		if ev.Type == models.EventToolCall {
			t.Fatal("an already executed batch must not run again")
		}
	}
	if events[len(events)-1].Type != models.EventDone {
		t.Errorf("terminal = %v", events[len(events)-1].Type)
	}
}

func TestResumeRunningExecutesPendingTail(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{textTurn("done")}}
	h := newHarness(t, provider, Config{Model: "m"}, nil)

	// A crash before the tool batch leaves the assistant's calls with no
	// results. Approve runs them before re-entering the loop.
	state := &models.AgentState{
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: "go"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{"text": "replayed"}`)},
			}},
		},
		Iteration: 1,
		Status:    models.AgentRunning,
	}
	events := collect(t, h.engine.Resume(context.Background(), state, Decision{Action: DecisionApprove}))

	types := eventTypes(events)
	if types[0] != models.EventToolCall || types[1] != models.EventToolResult {
		t.Fatalf("types = %v", types)
	}
	tr := events[1].Data.(models.ToolResultData)
	if !tr.Success || tr.Output != "replayed" {
		t.Errorf("result = %+v", tr)
	}
	if events[len(events)-1].Type != models.EventDone {
		t.Errorf("terminal = %v", events[len(events)-1].Type)
	}
}

func TestResumeRunningRejectsNonApprove(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, Config{Model: "m"}, nil)

	state := &models.AgentState{
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: "go"}},
		Status:    models.AgentRunning,
		Iteration: 1,
	}
	events := collect(t, h.engine.Resume(context.Background(), state, Decision{Action: DecisionReject}))

	data := events[len(events)-1].Data.(models.ErrorData)
	if data.Kind != models.ErrKindInternal {
		t.Errorf("kind = %v", data.Kind)
	}
}

func TestResumeRejectCheckpointsResultsBeforeModelCall(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{textTurn("ok")}}
	h := newHarness(t, provider, Config{Model: "m"}, []string{"echo"})

	collect(t, h.engine.Resume(context.Background(), interruptedState(t),
		Decision{Action: DecisionReject, Reason: "no"}))

	// The first checkpoint after the decision already carries the rejection
	// results, so a crash mid-resume never restores un-executed tool calls.
	history, err := h.checkpoints.History(context.Background(), "t1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("checkpoints = %d, want 2", len(history))
	}
	rejected := history[1].State
	tail := rejected.Messages[len(rejected.Messages)-1]
	if tail.Role != models.RoleTool || len(tail.ToolResults) != 1 ||
		tail.ToolResults[0].ErrorKind != tools.FailureRejected {
		t.Errorf("rejection checkpoint tail = %+v", tail)
	}
}

func TestRunIterationLimit(t *testing.T) {
	// The model asks for a tool on every call, forever.
	scripts := make([][]*CompletionChunk, 3)
	for i := range scripts {
		scripts[i] = toolTurn("c", "echo", `{"text": "again"}`)
	}
	provider := &fakeProvider{scripts: scripts}
	h := newHarness(t, provider, Config{Model: "m", MaxIterations: 2}, nil)

	state := &models.AgentState{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "loop"}}}
	events := collect(t, h.engine.Run(context.Background(), state))

	last := events[len(events)-1].Data.(models.ErrorData)
	if last.Kind != models.ErrKindIterationLimit {
		t.Errorf("kind = %v", last.Kind)
	}
	cp, _ := h.checkpoints.Latest(context.Background(), "t1")
	if cp.State.Status != models.AgentFailed {
		t.Errorf("checkpoint status = %v", cp.State.Status)
	}
}

func TestRunRetriesTransientModelFailure(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		{{Err: Transient(errors.New("rate limited"))}},
		textTurn("recovered"),
	}}
	h := newHarness(t, provider, Config{Model: "m"}, nil)

	state := &models.AgentState{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}}
	events := collect(t, h.engine.Run(context.Background(), state))

	if events[len(events)-1].Type != models.EventDone {
		t.Fatalf("terminal = %v", events[len(events)-1].Type)
	}
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want 2", provider.calls)
	}
}

func TestRunPermanentModelFailure(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		{{Err: errors.New("invalid request")}},
		textTurn("never reached"),
	}}
	h := newHarness(t, provider, Config{Model: "m"}, nil)

	state := &models.AgentState{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}}
	events := collect(t, h.engine.Run(context.Background(), state))

	data := events[len(events)-1].Data.(models.ErrorData)
	if data.Kind != models.ErrKindModelError {
		t.Errorf("kind = %v", data.Kind)
	}
	if provider.calls != 1 {
		t.Errorf("permanent failure retried: %d calls", provider.calls)
	}
}

func TestRunNoPartialOutputRetry(t *testing.T) {
	provider := &fakeProvider{scripts: [][]*CompletionChunk{
		{{Text: "partial answ"}, {Err: Transient(errors.New("connection reset"))}},
		textTurn("never reached"),
	}}
	h := newHarness(t, provider, Config{Model: "m"}, nil)

	state := &models.AgentState{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}}
	events := collect(t, h.engine.Run(context.Background(), state))

	if events[len(events)-1].Type != models.EventError {
		t.Fatalf("terminal = %v", events[len(events)-1].Type)
	}
	if provider.calls != 1 {
		t.Errorf("retried after partial output: %d calls", provider.calls)
	}
}

func TestRunNoKeyConfigured(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, Config{Model: "m"}, nil)
	h.engine.provider = func(ctx context.Context) (LLMProvider, error) {
		return nil, arbiter.ErrNoKey
	}

	state := &models.AgentState{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}}
	events := collect(t, h.engine.Run(context.Background(), state))

	data := events[len(events)-1].Data.(models.ErrorData)
	if data.Kind != models.ErrKindNoKeyConfigured {
		t.Errorf("kind = %v", data.Kind)
	}
}

func TestRunQuotaExceededCarriesDetails(t *testing.T) {
	h := newHarness(t, &fakeProvider{}, Config{Model: "m"}, nil)
	h.engine.provider = func(ctx context.Context) (LLMProvider, error) {
		return nil, &arbiter.QuotaError{Capability: models.CapabilityText, Limit: 100, Used: 100}
	}

	state := &models.AgentState{Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}}}
	events := collect(t, h.engine.Run(context.Background(), state))

	data := events[len(events)-1].Data.(models.ErrorData)
	if data.Kind != models.ErrKindQuotaExceeded {
		t.Fatalf("kind = %v", data.Kind)
	}
	if data.Details["limit"] != 100 || data.Details["used"] != 100 {
		t.Errorf("details = %v", data.Details)
	}

	// The denial happened before any model output, so nothing was persisted.
	if _, err := h.checkpoints.Latest(context.Background(), "t1"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("Latest after quota denial = %v, want ErrNotFound", err)
	}
}

func TestDescriptorsFollowEnabledSet(t *testing.T) {
	registry := tools.NewRegistry()
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}

	all := Descriptors(registry, nil)
	if len(all) != 1 || all[0].Name != "echo" {
		t.Errorf("all = %+v", all)
	}
	none := Descriptors(registry, []string{})
	if len(none) != 0 {
		t.Errorf("empty enabled set should expose no tools: %+v", none)
	}
	if !strings.Contains(string(all[0].Schema), "text") {
		t.Errorf("schema not carried: %s", all[0].Schema)
	}
}
