package models

import "time"

// AgentStatus is the engine's status as recorded in a checkpoint.
type AgentStatus string

const (
	AgentRunning     AgentStatus = "running"
	AgentInterrupted AgentStatus = "interrupted"
	AgentCompleted   AgentStatus = "completed"
	AgentFailed      AgentStatus = "failed"
)

// InterruptReason records why the engine suspended: the tool calls awaiting a
// human decision. Present only when status is interrupted.
type InterruptReason struct {
	PendingToolCalls []ToolCall `json:"pending_tool_calls"`
}

// AgentState is the engine's persisted state between steps.
type AgentState struct {
	Messages        []ChatMessage    `json:"messages"`
	Iteration       int              `json:"iteration"`
	Status          AgentStatus      `json:"status"`
	TotalTokens     int              `json:"total_tokens"`
	InterruptReason *InterruptReason `json:"interrupt_reason,omitempty"`
	// ToolResults accumulated during the current step, keyed into Messages
	// on the next cycle.
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Clone returns a deep copy of the state. Checkpoints persist clones so later
// mutation of live state never aliases a saved snapshot.
func (s *AgentState) Clone() *AgentState {
	if s == nil {
		return nil
	}
	out := &AgentState{
		Iteration:   s.Iteration,
		Status:      s.Status,
		TotalTokens: s.TotalTokens,
	}
	if len(s.Messages) > 0 {
		out.Messages = make([]ChatMessage, len(s.Messages))
		copy(out.Messages, s.Messages)
		for i, m := range s.Messages {
			if len(m.ToolCalls) > 0 {
				out.Messages[i].ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
			}
			if len(m.ToolResults) > 0 {
				out.Messages[i].ToolResults = append([]ToolResult(nil), m.ToolResults...)
			}
		}
	}
	if s.InterruptReason != nil {
		out.InterruptReason = &InterruptReason{
			PendingToolCalls: append([]ToolCall(nil), s.InterruptReason.PendingToolCalls...),
		}
	}
	if len(s.ToolResults) > 0 {
		out.ToolResults = append([]ToolResult(nil), s.ToolResults...)
	}
	return out
}

// Checkpoint is a durable snapshot of engine state after a step. Keyed by
// (thread_id, step) with a secondary index on ID. ParentID references the
// previous checkpoint in the lineage; it is a value reference and the parent
// may be garbage-collected while the child survives.
type Checkpoint struct {
	ID        string      `json:"id"`
	ThreadID  string      `json:"thread_id"`
	Step      int         `json:"step"`
	ParentID  string      `json:"parent_id,omitempty"`
	State     *AgentState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
}

// CheckpointDiff summarizes the delta between two checkpoints.
type CheckpointDiff struct {
	MessagesAdded  int         `json:"messages_added"`
	TokensDelta    int         `json:"tokens_delta"`
	IterationDelta int         `json:"iteration_delta"`
	StatusFrom     AgentStatus `json:"status_from"`
	StatusTo       AgentStatus `json:"status_to"`
}
