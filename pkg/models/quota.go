package models

import "time"

// Capability names a billable model capability.
type Capability string

const (
	CapabilityText      Capability = "text"
	CapabilityImage     Capability = "image"
	CapabilityEmbedding Capability = "embedding"
)

// KeySource records which credential served a model call.
type KeySource string

const (
	KeySourceUser   KeySource = "user"
	KeySourceSystem KeySource = "system"
)

// Quota is a per-user, per-capability usage counter with a rolling window.
type Quota struct {
	UserID     string     `json:"user_id"`
	Capability Capability `json:"capability"`
	Limit      int        `json:"limit"`
	Used       int        `json:"used"`
	ResetAt    time.Time  `json:"reset_at"`
}

// Remaining returns the unused portion of the window, never negative.
func (q Quota) Remaining() int {
	if q.Used >= q.Limit {
		return 0
	}
	return q.Limit - q.Used
}

// ProviderCredential is a per-user encrypted LLM key. The plaintext value is
// never persisted; decryption happens only inside the arbiter.
type ProviderCredential struct {
	UserID       string `json:"user_id"`
	Provider     string `json:"provider"`
	EncryptedKey []byte `json:"-"`
	APIBase      string `json:"api_base,omitempty"`
	IsActive     bool   `json:"is_active"`
}

// UsageLogEntry is an append-only per-call accounting record.
type UsageLogEntry struct {
	UserID        string     `json:"user_id"`
	Capability    Capability `json:"capability"`
	Provider      string     `json:"provider"`
	Model         string     `json:"model"`
	KeySource     KeySource  `json:"key_source"`
	InputTokens   int        `json:"input_tokens"`
	OutputTokens  int        `json:"output_tokens"`
	EstimatedCost float64    `json:"estimated_cost,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
