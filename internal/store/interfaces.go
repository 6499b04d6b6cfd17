// Package store defines the repository contracts the core consumes, with
// in-memory (dev/test) and Postgres (production) implementations. The core
// never peeks at the physical layout behind these interfaces.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrQuotaExceeded is returned by CheckAndIncrement when the capability
	// counter is exhausted.
	ErrQuotaExceeded = errors.New("store: quota exceeded")
)

// ThreadRepository persists threads.
type ThreadRepository interface {
	Create(ctx context.Context, thread *models.Thread) error
	Get(ctx context.Context, id string) (*models.Thread, error)
	ListOwned(ctx context.Context, owner models.Principal, limit, offset int) ([]*models.Thread, error)
	Update(ctx context.Context, thread *models.Thread) error
	Delete(ctx context.Context, id string) error
	CountMessages(ctx context.Context, threadID string) (int, error)
	// DeleteExpiredAnonymous removes anonymous threads not updated since the
	// cutoff and returns the ids removed, so dependent resources (checkpoints,
	// sandboxes) can be released.
	DeleteExpiredAnonymous(ctx context.Context, cutoff time.Time) ([]string, error)
}

// MessageRepository persists the append-only message log.
type MessageRepository interface {
	Append(ctx context.Context, msg *models.Message) error
	ListByThread(ctx context.Context, threadID string, limit int) ([]*models.Message, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// CredentialRepository resolves per-user provider credentials.
type CredentialRepository interface {
	Get(ctx context.Context, userID, provider string) (*models.ProviderCredential, error)
}

// QuotaRepository maintains per-user usage counters and the usage log.
type QuotaRepository interface {
	Get(ctx context.Context, userID string, capability models.Capability) (*models.Quota, error)
	// CheckAndIncrement atomically verifies the capability counter is below
	// its limit and increments it by amount. The window is reset first when
	// ResetAt has passed. Returns ErrQuotaExceeded without mutation when the
	// counter is exhausted. The check+increment pair is serialized per
	// (user, capability).
	CheckAndIncrement(ctx context.Context, userID string, capability models.Capability, amount int) (*models.Quota, error)
	IncrementTokens(ctx context.Context, userID string, amount int) error
	AppendLog(ctx context.Context, entry *models.UsageLogEntry) error
}

// SandboxHistoryRepository keeps per-thread sandbox state that survives
// session eviction.
type SandboxHistoryRepository interface {
	Get(ctx context.Context, threadID string) (*models.SandboxHistory, error)
	Put(ctx context.Context, history *models.SandboxHistory) error
	Delete(ctx context.Context, threadID string) error
}

// Set groups the repositories handed to the dispatcher.
type Set struct {
	Threads        ThreadRepository
	Messages       MessageRepository
	Credentials    CredentialRepository
	Quota          QuotaRepository
	SandboxHistory SandboxHistoryRepository

	closer func() error
}

// Close releases any underlying resources.
func (s *Set) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
