package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/pkg/models"
)

// maxMessagesPerThread bounds the in-memory message log per thread.
const maxMessagesPerThread = 1000

// MemorySet builds a full in-memory repository set for dev and tests.
func MemorySet() *Set {
	messages := NewMemoryMessages()
	threads := NewMemoryThreads()
	threads.messages = messages
	return &Set{
		Threads:        threads,
		Messages:       messages,
		Credentials:    NewMemoryCredentials(),
		Quota:          NewMemoryQuota(),
		SandboxHistory: NewMemorySandboxHistory(),
	}
}

// MemoryThreads is an in-memory ThreadRepository.
type MemoryThreads struct {
	mu      sync.RWMutex
	threads map[string]*models.Thread
	// messages backs CountMessages with real row counts; MemorySet wires it.
	messages *MemoryMessages
}

// NewMemoryThreads creates an empty in-memory thread repository.
func NewMemoryThreads() *MemoryThreads {
	return &MemoryThreads{threads: map[string]*models.Thread{}}
}

func cloneThread(t *models.Thread) *models.Thread {
	c := *t
	return &c
}

func (m *MemoryThreads) Create(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("store: thread is required")
	}
	if err := thread.Owner.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneThread(thread)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if _, exists := m.threads[clone.ID]; exists {
		return ErrAlreadyExists
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	if clone.Status == "" {
		clone.Status = models.ThreadActive
	}
	m.threads[clone.ID] = clone

	thread.ID = clone.ID
	thread.CreatedAt = clone.CreatedAt
	thread.UpdatedAt = clone.UpdatedAt
	thread.Status = clone.Status
	return nil
}

func (m *MemoryThreads) Get(ctx context.Context, id string) (*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneThread(t), nil
}

func (m *MemoryThreads) ListOwned(ctx context.Context, owner models.Principal, limit, offset int) ([]*models.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Thread
	for _, t := range m.threads {
		if t.Owner.Key() == owner.Key() {
			out = append(out, cloneThread(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryThreads) Update(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("store: thread is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.threads[thread.ID]
	if !ok {
		return ErrNotFound
	}
	clone := cloneThread(thread)
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.threads[clone.ID] = clone
	thread.UpdatedAt = clone.UpdatedAt
	return nil
}

func (m *MemoryThreads) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[id]; !ok {
		return ErrNotFound
	}
	delete(m.threads, id)
	return nil
}

func (m *MemoryThreads) CountMessages(ctx context.Context, threadID string) (int, error) {
	m.mu.RLock()
	t, ok := m.threads[threadID]
	stored := 0
	if ok {
		stored = t.MessageCount
	}
	m.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}
	if m.messages == nil {
		return stored, nil
	}
	return m.messages.countForThread(threadID), nil
}

func (m *MemoryThreads) DeleteExpiredAnonymous(ctx context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []string
	for id, t := range m.threads {
		if t.Owner.IsAnonymous() && t.UpdatedAt.Before(cutoff) {
			delete(m.threads, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// MemoryMessages is an in-memory MessageRepository.
type MemoryMessages struct {
	mu       sync.RWMutex
	messages map[string][]*models.Message
}

// NewMemoryMessages creates an empty in-memory message repository.
func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{messages: map[string][]*models.Message{}}
}

func (m *MemoryMessages) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ThreadID == "" {
		return errors.New("store: message with thread id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *msg
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	msg.ID = clone.ID
	msg.CreatedAt = clone.CreatedAt

	list := append(m.messages[clone.ThreadID], &clone)
	if len(list) > maxMessagesPerThread {
		list = list[len(list)-maxMessagesPerThread:]
	}
	m.messages[clone.ThreadID] = list
	return nil
}

func (m *MemoryMessages) ListByThread(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.messages[threadID]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	out := make([]*models.Message, len(list))
	for i, msg := range list {
		clone := *msg
		out[i] = &clone
	}
	return out, nil
}

func (m *MemoryMessages) countForThread(threadID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[threadID])
}

func (m *MemoryMessages) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, threadID)
	return nil
}

// MemoryCredentials is an in-memory CredentialRepository.
type MemoryCredentials struct {
	mu    sync.RWMutex
	creds map[string]*models.ProviderCredential // key: userID + "/" + provider
}

// NewMemoryCredentials creates an empty in-memory credential repository.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{creds: map[string]*models.ProviderCredential{}}
}

// Put stores a credential; used by tests and dev seeding.
func (m *MemoryCredentials) Put(cred *models.ProviderCredential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.UserID+"/"+cred.Provider] = cred
}

func (m *MemoryCredentials) Get(ctx context.Context, userID, provider string) (*models.ProviderCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.creds[userID+"/"+provider]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *cred
	return &clone, nil
}

// MemoryQuota is an in-memory QuotaRepository. The check+increment pair is
// serialized by the repository mutex.
type MemoryQuota struct {
	mu     sync.Mutex
	quotas map[string]*models.Quota // key: userID + "/" + capability
	tokens map[string]int
	log    []*models.UsageLogEntry

	// Window is the rolling window applied when a counter resets.
	Window time.Duration
	// DefaultLimit seeds counters for users with no explicit quota row.
	DefaultLimit int
}

// NewMemoryQuota creates an in-memory quota repository with a daily window.
func NewMemoryQuota() *MemoryQuota {
	return &MemoryQuota{
		quotas:       map[string]*models.Quota{},
		tokens:       map[string]int{},
		Window:       24 * time.Hour,
		DefaultLimit: 100,
	}
}

// SetLimit configures a user's capability limit; used by tests and seeding.
func (m *MemoryQuota) SetLimit(userID string, capability models.Capability, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quotaLocked(userID, capability)
	q.Limit = limit
}

func (m *MemoryQuota) quotaLocked(userID string, capability models.Capability) *models.Quota {
	key := userID + "/" + string(capability)
	q, ok := m.quotas[key]
	if !ok {
		q = &models.Quota{
			UserID:     userID,
			Capability: capability,
			Limit:      m.DefaultLimit,
			ResetAt:    time.Now().Add(m.Window),
		}
		m.quotas[key] = q
	}
	return q
}

func (m *MemoryQuota) Get(ctx context.Context, userID string, capability models.Capability) (*models.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.quotaLocked(userID, capability)
	clone := *q
	return &clone, nil
}

func (m *MemoryQuota) CheckAndIncrement(ctx context.Context, userID string, capability models.Capability, amount int) (*models.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.quotaLocked(userID, capability)
	if now := time.Now(); now.After(q.ResetAt) {
		q.Used = 0
		q.ResetAt = now.Add(m.Window)
	}
	if q.Used+amount > q.Limit {
		clone := *q
		return &clone, ErrQuotaExceeded
	}
	q.Used += amount
	clone := *q
	return &clone, nil
}

func (m *MemoryQuota) IncrementTokens(ctx context.Context, userID string, amount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] += amount
	return nil
}

// Tokens returns the monthly token counter; used by tests.
func (m *MemoryQuota) Tokens(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[userID]
}

func (m *MemoryQuota) AppendLog(ctx context.Context, entry *models.UsageLogEntry) error {
	if entry == nil {
		return errors.New("store: log entry is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *entry
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.log = append(m.log, &clone)
	return nil
}

// Log returns a snapshot of the usage log; used by tests.
func (m *MemoryQuota) Log() []*models.UsageLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.UsageLogEntry, len(m.log))
	copy(out, m.log)
	return out
}

// MemorySandboxHistory is an in-memory SandboxHistoryRepository.
type MemorySandboxHistory struct {
	mu      sync.RWMutex
	history map[string]*models.SandboxHistory
}

// NewMemorySandboxHistory creates an empty in-memory sandbox history store.
func NewMemorySandboxHistory() *MemorySandboxHistory {
	return &MemorySandboxHistory{history: map[string]*models.SandboxHistory{}}
}

func (m *MemorySandboxHistory) Get(ctx context.Context, threadID string) (*models.SandboxHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.history[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *h
	clone.InstalledPackages = append([]string(nil), h.InstalledPackages...)
	clone.CreatedFiles = append([]string(nil), h.CreatedFiles...)
	return &clone, nil
}

func (m *MemorySandboxHistory) Put(ctx context.Context, history *models.SandboxHistory) error {
	if history == nil || history.ThreadID == "" {
		return errors.New("store: history with thread id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *history
	clone.InstalledPackages = append([]string(nil), history.InstalledPackages...)
	clone.CreatedFiles = append([]string(nil), history.CreatedFiles...)
	m.history[history.ThreadID] = &clone
	return nil
}

func (m *MemorySandboxHistory) Delete(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, threadID)
	return nil
}

var (
	_ ThreadRepository         = (*MemoryThreads)(nil)
	_ MessageRepository        = (*MemoryMessages)(nil)
	_ CredentialRepository     = (*MemoryCredentials)(nil)
	_ QuotaRepository          = (*MemoryQuota)(nil)
	_ SandboxHistoryRepository = (*MemorySandboxHistory)(nil)
)
