// Package arbiter decides, per model call, which API credential serves the
// request and enforces multi-tenant usage limits. Users with their own active
// provider key bypass the capability quota; system-key calls consume it. Every
// call is logged either way.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/store"
	"github.com/strandlabs/strand/pkg/models"
)

// ErrNoKey is returned when neither the user nor the system has a credential
// for the requested provider.
var ErrNoKey = errors.New("arbiter: no credential configured")

// QuotaError reports an exhausted capability counter.
type QuotaError struct {
	Capability models.Capability
	Limit      int
	Used       int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d used", e.Capability, e.Used, e.Limit)
}

// Decryptor recovers the plaintext of a stored user credential. The concrete
// scheme lives outside the core; tests and dev builds use Plaintext.
type Decryptor interface {
	Decrypt(ciphertext []byte) (string, error)
}

// DecryptorFunc adapts a function to the Decryptor interface.
type DecryptorFunc func(ciphertext []byte) (string, error)

func (f DecryptorFunc) Decrypt(ciphertext []byte) (string, error) { return f(ciphertext) }

// Plaintext treats the stored bytes as the key itself.
var Plaintext = DecryptorFunc(func(ciphertext []byte) (string, error) {
	return string(ciphertext), nil
})

// SystemKey is a service-wide provider credential from configuration.
type SystemKey struct {
	APIKey  string
	BaseURL string
}

// Resolution is the credential chosen for one model call.
type Resolution struct {
	Provider string
	APIKey   string
	APIBase  string
	Source   models.KeySource
}

// Usage is the accounting record for one completed model call.
type Usage struct {
	UserID       string
	Capability   models.Capability
	Provider     string
	Model        string
	Source       models.KeySource
	InputTokens  int
	OutputTokens int
}

// Arbiter resolves credentials and maintains the quota ledger.
type Arbiter struct {
	creds     store.CredentialRepository
	quota     store.QuotaRepository
	system    map[string]SystemKey
	decryptor Decryptor
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New creates an arbiter. system maps provider name to its service-wide key;
// entries with an empty APIKey are ignored.
func New(creds store.CredentialRepository, quota store.QuotaRepository, system map[string]SystemKey, decryptor Decryptor, metrics *observability.Metrics, logger *slog.Logger) *Arbiter {
	keys := make(map[string]SystemKey, len(system))
	for provider, key := range system {
		if key.APIKey != "" {
			keys[provider] = key
		}
	}
	if decryptor == nil {
		decryptor = Plaintext
	}
	return &Arbiter{
		creds:     creds,
		quota:     quota,
		system:    keys,
		decryptor: decryptor,
		metrics:   metrics,
		logger:    logger.With("component", "arbiter"),
	}
}

// Authorize picks the credential for a model call and, when the system key
// serves it, consumes one unit of the user's capability quota. The check and
// the increment are one atomic operation in the ledger, so concurrent calls
// cannot overspend.
func (a *Arbiter) Authorize(ctx context.Context, userID, provider string, capability models.Capability) (*Resolution, error) {
	if res := a.userCredential(ctx, userID, provider); res != nil {
		return res, nil
	}

	key, ok := a.system[provider]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s", ErrNoKey, provider)
	}

	if _, err := a.quota.CheckAndIncrement(ctx, userID, capability, 1); err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			q, qerr := a.quota.Get(ctx, userID, capability)
			if qerr != nil {
				q = &models.Quota{Capability: capability}
			}
			if a.metrics != nil {
				a.metrics.QuotaDenials.WithLabelValues(string(capability)).Inc()
			}
			a.logger.Info("quota denied",
				"user_id", userID, "capability", capability, "used", q.Used, "limit", q.Limit)
			return nil, &QuotaError{Capability: capability, Limit: q.Limit, Used: q.Used}
		}
		return nil, fmt.Errorf("quota check: %w", err)
	}

	return &Resolution{
		Provider: provider,
		APIKey:   key.APIKey,
		APIBase:  key.BaseURL,
		Source:   models.KeySourceSystem,
	}, nil
}

// userCredential returns the user's own key when one is stored, active, and
// decryptable. A broken stored key falls back to the system credential rather
// than blocking the user.
func (a *Arbiter) userCredential(ctx context.Context, userID, provider string) *Resolution {
	cred, err := a.creds.Get(ctx, userID, provider)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("credential lookup failed",
				"user_id", userID, "provider", provider, "error", err)
		}
		return nil
	}
	if !cred.IsActive {
		return nil
	}
	key, err := a.decryptor.Decrypt(cred.EncryptedKey)
	if err != nil {
		a.logger.Warn("credential decryption failed, falling back to system key",
			"user_id", userID, "provider", provider, "error", err)
		return nil
	}
	return &Resolution{
		Provider: provider,
		APIKey:   key,
		APIBase:  cred.APIBase,
		Source:   models.KeySourceUser,
	}
}

// Account records a completed model call: the monthly token counter advances
// by the reported usage and a usage-log entry is appended unconditionally,
// user keys included.
func (a *Arbiter) Account(ctx context.Context, usage *Usage) error {
	total := usage.InputTokens + usage.OutputTokens
	if total > 0 {
		if err := a.quota.IncrementTokens(ctx, usage.UserID, total); err != nil {
			return fmt.Errorf("increment tokens: %w", err)
		}
	}

	entry := &models.UsageLogEntry{
		UserID:       usage.UserID,
		Capability:   usage.Capability,
		Provider:     usage.Provider,
		Model:        usage.Model,
		KeySource:    usage.Source,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}
	if err := a.quota.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("append usage log: %w", err)
	}

	if a.metrics != nil {
		labels := func(kind string) []string { return []string{usage.Provider, usage.Model, kind} }
		a.metrics.LLMTokensUsed.WithLabelValues(labels("input")...).Add(float64(usage.InputTokens))
		a.metrics.LLMTokensUsed.WithLabelValues(labels("output")...).Add(float64(usage.OutputTokens))
	}
	return nil
}
