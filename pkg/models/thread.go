package models

import (
	"errors"
	"time"
)

// ThreadStatus represents the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadArchived ThreadStatus = "archived"
)

// Principal identifies the caller of a turn: either a registered user or an
// anonymous cookie-scoped identity. Exactly one of the two fields is set.
type Principal struct {
	UserID      string `json:"user_id,omitempty"`
	AnonymousID string `json:"anonymous_id,omitempty"`
}

// Validate checks the mutual-exclusion invariant on the principal identity.
func (p Principal) Validate() error {
	if p.UserID == "" && p.AnonymousID == "" {
		return errors.New("principal: no identity set")
	}
	if p.UserID != "" && p.AnonymousID != "" {
		return errors.New("principal: both registered and anonymous identity set")
	}
	return nil
}

// Key returns a stable identity string usable as a map key or owner column.
func (p Principal) Key() string {
	if p.UserID != "" {
		return "user:" + p.UserID
	}
	return "anon:" + p.AnonymousID
}

// IsAnonymous reports whether the principal is cookie-scoped.
func (p Principal) IsAnonymous() bool {
	return p.UserID == "" && p.AnonymousID != ""
}

// Thread is a conversation between a principal and the agent.
type Thread struct {
	ID           string       `json:"id"`
	Owner        Principal    `json:"owner"`
	AgentBinding string       `json:"agent_binding,omitempty"`
	Title        string       `json:"title,omitempty"`
	// TitleAutogenerated is true until a turn-derived or user-set title
	// replaces the default. Title generation keys off this flag, never off
	// the title string itself.
	TitleAutogenerated bool         `json:"title_autogenerated"`
	Status             ThreadStatus `json:"status"`
	MessageCount       int          `json:"message_count"`
	TokenCount         int          `json:"token_count"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// OwnedBy reports whether the given principal owns this thread.
func (t *Thread) OwnedBy(p Principal) bool {
	return t.Owner.Key() == p.Key()
}

// ThreadConfig is the immutable per-turn binding resolved from the thread's
// agent binding. Loaded once by the dispatcher at the start of a turn.
type ThreadConfig struct {
	AgentBinding      string   `json:"agent_binding"`
	SystemPrompt      string   `json:"system_prompt,omitempty"`
	Model             string   `json:"model"`
	Temperature       float64  `json:"temperature,omitempty"`
	MaxTokens         int      `json:"max_tokens,omitempty"`
	MaxIterations     int      `json:"max_iterations,omitempty"`
	EnabledTools      []string `json:"enabled_tools,omitempty"`
	EnabledMCPServers []string `json:"enabled_mcp_servers,omitempty"`
}
