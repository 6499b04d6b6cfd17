// Package engine implements the reason/act loop: call the model, parse tool
// calls, execute or interrupt, checkpoint every transition, and stream events
// to the caller.
package engine

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/strandlabs/strand/internal/tools"
	"github.com/strandlabs/strand/pkg/models"
)

// ToolDescriptor is the provider-facing description of one callable tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Descriptors builds provider tool descriptors from the registry, filtered to
// the enabled set (nil means all).
func Descriptors(registry *tools.Registry, enabled []string) []ToolDescriptor {
	listed := registry.Filter(enabled)
	out := make([]ToolDescriptor, 0, len(listed))
	for _, t := range listed {
		out = append(out, ToolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return out
}

// CompletionRequest carries one model call: conversation history, system
// prompt, available tools, and generation parameters.
type CompletionRequest struct {
	Model       string               `json:"model"`
	System      string               `json:"system,omitempty"`
	Messages    []models.ChatMessage `json:"messages"`
	Tools       []ToolDescriptor     `json:"tools,omitempty"`
	Temperature float32              `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
}

// CompletionChunk is one unit of a streaming model response. Text chunks
// arrive incrementally; tool calls arrive whole once their arguments have
// fully streamed. Token counts ride on the final Done chunk.
type CompletionChunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
	Err          error            `json:"-"`
}

// LLMProvider is a streaming model backend.
//
// Thread Safety: implementations must be safe for concurrent use; each
// Complete call owns an independent stream.
type LLMProvider interface {
	// Name returns the provider identifier used for routing and metrics.
	Name() string

	// Complete sends the request and returns a channel of response chunks.
	// The channel closes when the stream ends. A chunk with Err set
	// terminates the stream.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// ProviderFunc resolves the provider for one model call. Resolution happens
// per call so credential changes take effect mid-conversation.
type ProviderFunc func(ctx context.Context) (LLMProvider, error)

// AccountFunc records token usage after a completed model call.
type AccountFunc func(ctx context.Context, inputTokens, outputTokens int)

// TransientError marks a model failure worth retrying: rate limits, 5xx,
// timeouts, connection resets. Anything unwrapped is treated as permanent.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps an error to mark it retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
