// Package tools hosts the tool registry, the human-in-the-loop confirmation
// policy, and the invoker that routes tool calls to builtin, MCP, and sandbox
// backends.
package tools

import (
	"context"
	"encoding/json"
)

// Failure kinds recorded on error results. Results carry these instead of Go
// errors so the model can read and react to them.
const (
	FailureInvalidArguments = "invalid_arguments"
	FailureTimeout          = "timeout"
	FailureTransport        = "transport_error"
	FailureExecution        = "execution_error"
	FailureRejected         = "rejected_by_user"
	FailureNotFound         = "not_found"
	FailureOrphaned         = "orphaned"
)

// Result is the outcome of a tool execution. Failures are data, not errors:
// an error result flows back to the model as a tool message.
type Result struct {
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Errorf builds an error result with a failure kind.
func Errorf(kind, content string) *Result {
	return &Result{Content: content, IsError: true, ErrorKind: kind}
}

// Tool categories, declared by built-ins for policy seeding and logs.
const (
	CategoryFilesystem = "filesystem"
	CategoryExecution  = "execution"
	CategorySearch     = "search"
	CategoryGeneral    = "general"
)

// DefaultConfirmer is implemented by tools that require human confirmation
// out of the box. Tools without it are treated as safe; explicit policy
// globs still override either way.
type DefaultConfirmer interface {
	RequiresConfirmationDefault() bool
}

// Categorized is implemented by tools that declare a category label.
type Categorized interface {
	Category() string
}

// CategoryOf returns a tool's declared category, or general.
func CategoryOf(t Tool) string {
	if c, ok := t.(Categorized); ok {
		return c.Category()
	}
	return CategoryGeneral
}

// Tool is an executable capability exposed to the model.
type Tool interface {
	// Name returns the tool's unique identifier.
	Name() string

	// Description explains to the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Arguments have already been validated against
	// the schema. Execution failures come back as error results, not Go
	// errors; a non-nil error means the invocation itself broke.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}
