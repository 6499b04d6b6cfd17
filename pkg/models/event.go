package models

import "encoding/json"

// EventType identifies an event in a turn's output stream.
type EventType string

const (
	EventSessionCreated EventType = "session_created"
	EventTokenDelta     EventType = "token_delta"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventInterrupt      EventType = "interrupt"
	EventDone           EventType = "done"
	EventError          EventType = "error"
)

// ErrorKind classifies terminal error events surfaced to the caller.
type ErrorKind string

const (
	ErrKindPermissionDenied   ErrorKind = "permission_denied"
	ErrKindNotFound           ErrorKind = "not_found"
	ErrKindNoKeyConfigured    ErrorKind = "no_key_configured"
	ErrKindQuotaExceeded      ErrorKind = "quota_exceeded"
	ErrKindIterationLimit     ErrorKind = "iteration_limit"
	ErrKindSandboxUnavailable ErrorKind = "sandbox_unavailable"
	ErrKindModelError         ErrorKind = "model_error"
	ErrKindCancelled          ErrorKind = "cancelled"
	ErrKindConflict           ErrorKind = "conflict"
	ErrKindInternal           ErrorKind = "internal_error"
)

// Event is the canonical envelope emitted on a turn's output channel.
// Exactly one of done, interrupt, or error terminates the stream.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// IsTerminal reports whether this event ends the stream.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventDone, EventInterrupt, EventError:
		return true
	}
	return false
}

// SessionCreatedData accompanies the session_created event.
type SessionCreatedData struct {
	ThreadID string `json:"thread_id"`
}

// TokenDeltaData accompanies token_delta events in streaming mode.
type TokenDeltaData struct {
	Text string `json:"text"`
}

// ToolCallData accompanies a tool_call event.
type ToolCallData struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultData accompanies a tool_result event.
type ToolResultData struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// InterruptData accompanies an interrupt event. The checkpoint named here is
// the resume point for a later decision.
type InterruptData struct {
	CheckpointID     string     `json:"checkpoint_id"`
	PendingToolCalls []ToolCall `json:"pending_tool_calls"`
}

// DoneData accompanies the done event.
type DoneData struct {
	FinalMessage ChatMessage `json:"final_message"`
}

// ErrorData accompanies an error event. Details carries kind-specific fields
// such as quota limits or a correlation id.
type ErrorData struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// NewSessionCreated builds a session_created event.
func NewSessionCreated(threadID string) Event {
	return Event{Type: EventSessionCreated, Data: SessionCreatedData{ThreadID: threadID}}
}

// NewTokenDelta builds a token_delta event.
func NewTokenDelta(text string) Event {
	return Event{Type: EventTokenDelta, Data: TokenDeltaData{Text: text}}
}

// NewToolCallEvent builds a tool_call event from a model tool call.
func NewToolCallEvent(tc ToolCall) Event {
	return Event{Type: EventToolCall, Data: ToolCallData{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}}
}

// NewToolResultEvent builds a tool_result event from an execution result.
func NewToolResultEvent(tr ToolResult) Event {
	d := ToolResultData{ID: tr.ToolCallID, Success: !tr.IsError}
	if tr.IsError {
		d.Error = tr.Content
	} else {
		d.Output = tr.Content
	}
	return Event{Type: EventToolResult, Data: d}
}

// NewInterrupt builds an interrupt event.
func NewInterrupt(checkpointID string, pending []ToolCall) Event {
	return Event{Type: EventInterrupt, Data: InterruptData{CheckpointID: checkpointID, PendingToolCalls: pending}}
}

// NewDone builds a done event.
func NewDone(final ChatMessage) Event {
	return Event{Type: EventDone, Data: DoneData{FinalMessage: final}}
}

// NewError builds an error event.
func NewError(kind ErrorKind, msg string) Event {
	return Event{Type: EventError, Data: ErrorData{Kind: kind, Message: msg}}
}

// NewErrorDetails builds an error event with kind-specific details.
func NewErrorDetails(kind ErrorKind, msg string, details map[string]any) Event {
	return Event{Type: EventError, Data: ErrorData{Kind: kind, Message: msg, Details: details}}
}
