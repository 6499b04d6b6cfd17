package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/strandlabs/strand/internal/observability"
	"github.com/strandlabs/strand/internal/store"
	"github.com/strandlabs/strand/pkg/models"
)

// ErrNoSession is returned by operations on a thread without a live session.
var ErrNoSession = errors.New("sandbox: no session for thread")

// Policy is the session lifecycle policy, independent of the driver.
type Policy struct {
	// IdleTimeout evicts sessions with no activity for this long.
	IdleTimeout time.Duration
	// MaxDuration evicts sessions regardless of activity after this long.
	MaxDuration time.Duration
	// MaxPerUser caps concurrent sessions per user; the least recently
	// active session is evicted to make room.
	MaxPerUser int
	// ReaperInterval is the period of the background lifecycle check.
	ReaperInterval time.Duration
	// Image is the runtime image for new sessions.
	Image string
	// NamePrefix namespaces this service's runtimes for orphan reclamation.
	NamePrefix string
	// ReplayHistory reinstalls recorded packages into recreated sessions.
	ReplayHistory bool
}

// DefaultPolicy returns the stock lifecycle policy.
func DefaultPolicy() Policy {
	return Policy{
		IdleTimeout:    15 * time.Minute,
		MaxDuration:    2 * time.Hour,
		MaxPerUser:     3,
		ReaperInterval: time.Minute,
		Image:          "strand-sandbox:latest",
		NamePrefix:     "strand-sbx-",
	}
}

type session struct {
	models.SandboxSession
	name string
	// ready is closed when the runtime boot settles, success or not.
	ready chan struct{}
}

// Manager owns every live sandbox session. At most one session exists per
// thread; acquiring for a thread with a live session reuses it.
//
// Thread Safety: Manager is safe for concurrent use.
type Manager struct {
	driver  Driver
	policy  Policy
	history store.SandboxHistoryRepository
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session // threadID -> session

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewManager creates a session manager.
func NewManager(driver Driver, policy Policy, history store.SandboxHistoryRepository, metrics *observability.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		driver:   driver,
		policy:   policy,
		history:  history,
		metrics:  metrics,
		logger:   logger.With("component", "sandbox"),
		sessions: make(map[string]*session),
	}
}

func (m *Manager) sessionName(threadID string) string {
	return m.policy.NamePrefix + threadID
}

// Acquire returns the thread's live session, creating one if needed. A new
// session may first evict the user's least recently active session to honor
// the per-user cap.
func (m *Manager) Acquire(ctx context.Context, threadID, userID string) (*models.SandboxSession, error) {
	m.mu.Lock()
	for {
		s, ok := m.sessions[threadID]
		if !ok {
			break
		}
		if s.State == models.SandboxStarting {
			// Another acquire is booting this thread's runtime; wait for
			// it to settle, then re-check the map.
			ready := s.ready
			m.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			m.mu.Lock()
			continue
		}
		s.State = models.SandboxActive
		s.LastActivity = time.Now()
		out := s.SandboxSession
		m.mu.Unlock()
		return &out, nil
	}

	// Per-user cap: evict the least recently active session. The new entry
	// is reserved in state starting before the lock drops, so concurrent
	// acquires see the slot as taken.
	if m.policy.MaxPerUser > 0 {
		for m.countForUserLocked(userID) >= m.policy.MaxPerUser {
			victim := m.lruForUserLocked(userID)
			if victim == nil {
				break
			}
			m.releaseLocked(ctx, victim, models.CleanupUserQuota)
		}
	}

	now := time.Now()
	name := m.sessionName(threadID)
	s := &session{
		SandboxSession: models.SandboxSession{
			SandboxID:    name,
			ThreadID:     threadID,
			UserID:       userID,
			State:        models.SandboxStarting,
			CreatedAt:    now,
			LastActivity: now,
		},
		name:  name,
		ready: make(chan struct{}),
	}
	m.sessions[threadID] = s
	m.mu.Unlock()

	out, err := m.bootSession(ctx, s)
	if err != nil {
		return nil, err
	}
	m.logger.Info("sandbox session created", "thread_id", threadID, "user_id", userID, "name", name)
	return out, nil
}

// bootSession creates the reserved session's runtime outside the lock and
// finalizes the map entry. The reservation may have been evicted while the
// runtime booted; the runtime is then terminated and the acquire fails.
func (m *Manager) bootSession(ctx context.Context, s *session) (*models.SandboxSession, error) {
	defer close(s.ready)

	if err := m.driver.Create(ctx, s.name, m.policy.Image); err != nil {
		m.mu.Lock()
		if m.sessions[s.ThreadID] == s {
			delete(m.sessions, s.ThreadID)
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if m.policy.ReplayHistory && m.history != nil {
		m.replayHistory(ctx, s)
	}

	m.mu.Lock()
	if m.sessions[s.ThreadID] != s {
		m.mu.Unlock()
		if err := m.driver.Terminate(ctx, s.name); err != nil {
			m.logger.Warn("failed to terminate sandbox", "name", s.name, "error", err)
		}
		return nil, fmt.Errorf("%w: session evicted during startup", ErrUnavailable)
	}
	s.State = models.SandboxActive
	s.LastActivity = time.Now()
	out := s.SandboxSession
	live := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SandboxSessions.Set(float64(live))
	}
	return &out, nil
}

// replayHistory reinstalls recorded packages into a fresh session.
func (m *Manager) replayHistory(ctx context.Context, s *session) {
	h, err := m.history.Get(ctx, s.ThreadID)
	if err != nil || len(h.InstalledPackages) == 0 {
		return
	}
	cmd := append([]string{"pip", "install", "--quiet"}, h.InstalledPackages...)
	if _, err := m.driver.Exec(ctx, s.name, cmd); err != nil {
		m.logger.Warn("failed to replay sandbox history", "thread_id", s.ThreadID, "error", err)
		return
	}
	s.InstalledPackages = append([]string(nil), h.InstalledPackages...)
	m.logger.Debug("replayed sandbox history",
		"thread_id", s.ThreadID, "packages", len(h.InstalledPackages))
}

// Exec runs a command in the thread's session and stamps activity. Package
// installs are recorded so a future session can be rebuilt.
func (m *Manager) Exec(ctx context.Context, threadID string, command []string) (*ExecResult, error) {
	m.mu.Lock()
	s, ok := m.sessions[threadID]
	if !ok || s.State == models.SandboxStarting {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	s.State = models.SandboxActive
	s.LastActivity = time.Now()
	name := s.name
	m.mu.Unlock()

	result, err := m.driver.Exec(ctx, name, command)
	if err != nil {
		return nil, err
	}

	if pkgs := installedPackages(command); len(pkgs) > 0 && result.ExitCode == 0 {
		m.mu.Lock()
		s.InstalledPackages = appendUnique(s.InstalledPackages, pkgs...)
		m.mu.Unlock()
	}
	return result, nil
}

// MarkIdle transitions a session to idle at the end of a turn. The session
// stays warm for the next turn until the reaper collects it.
func (m *Manager) MarkIdle(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[threadID]; ok {
		s.State = models.SandboxIdle
	}
}

// Session returns a copy of the thread's session, if live.
func (m *Manager) Session(threadID string) (*models.SandboxSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[threadID]
	if !ok || s.State == models.SandboxStarting {
		return nil, false
	}
	out := s.SandboxSession
	return &out, true
}

// Release terminates the thread's session and persists its history.
func (m *Manager) Release(ctx context.Context, threadID string, reason models.CleanupReason) error {
	m.mu.Lock()
	s, ok := m.sessions[threadID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.releaseLocked(ctx, s, reason)
	m.mu.Unlock()
	return nil
}

// releaseLocked terminates a session and records its history. Caller holds
// m.mu.
func (m *Manager) releaseLocked(ctx context.Context, s *session, reason models.CleanupReason) {
	delete(m.sessions, s.ThreadID)
	live := len(m.sessions)

	if s.State == models.SandboxStarting {
		// The booting goroutine observes the removal and terminates the
		// runtime itself.
		if m.metrics != nil {
			m.metrics.SandboxSessions.Set(float64(live))
			m.metrics.SandboxEvictions.WithLabelValues(string(reason)).Inc()
		}
		m.logger.Info("sandbox session released",
			"thread_id", s.ThreadID, "name", s.name, "reason", reason)
		return
	}

	if err := m.driver.Terminate(ctx, s.name); err != nil {
		m.logger.Warn("failed to terminate sandbox", "name", s.name, "error", err)
	}
	if m.history != nil {
		err := m.history.Put(ctx, &models.SandboxHistory{
			ThreadID:          s.ThreadID,
			InstalledPackages: s.InstalledPackages,
			CreatedFiles:      s.CreatedFiles,
			LastCleanupReason: reason,
		})
		if err != nil {
			m.logger.Warn("failed to persist sandbox history", "thread_id", s.ThreadID, "error", err)
		}
	}

	if m.metrics != nil {
		m.metrics.SandboxSessions.Set(float64(live))
		m.metrics.SandboxEvictions.WithLabelValues(string(reason)).Inc()
	}
	m.logger.Info("sandbox session released",
		"thread_id", s.ThreadID, "name", s.name, "reason", reason)
}

// ReclaimOrphans terminates backend runtimes carrying this service's name
// prefix that no live session owns. Run at startup to clean up after a crash.
func (m *Manager) ReclaimOrphans(ctx context.Context) (int, error) {
	names, err := m.driver.ListAll(ctx, m.policy.NamePrefix)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	owned := make(map[string]bool, len(m.sessions))
	for _, s := range m.sessions {
		owned[s.name] = true
	}
	m.mu.Unlock()

	reclaimed := 0
	for _, name := range names {
		if owned[name] {
			continue
		}
		if err := m.driver.Terminate(ctx, name); err != nil {
			m.logger.Warn("failed to reclaim orphan sandbox", "name", name, "error", err)
			continue
		}
		reclaimed++
		if m.metrics != nil {
			m.metrics.SandboxEvictions.WithLabelValues(string(models.CleanupOrphaned)).Inc()
		}
	}
	if reclaimed > 0 {
		m.logger.Info("reclaimed orphan sandboxes", "count", reclaimed)
	}
	return reclaimed, nil
}

// StartReaper launches the background lifecycle check.
func (m *Manager) StartReaper() {
	if m.stopReaper != nil {
		return
	}
	m.stopReaper = make(chan struct{})
	m.reaperDone = make(chan struct{})
	interval := m.policy.ReaperInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer close(m.reaperDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Reap(context.Background())
			case <-m.stopReaper:
				return
			}
		}
	}()
}

// StopReaper halts the background check and releases every session.
func (m *Manager) StopReaper(ctx context.Context) {
	if m.stopReaper != nil {
		close(m.stopReaper)
		<-m.reaperDone
		m.stopReaper = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		m.releaseLocked(ctx, s, models.CleanupShutdown)
	}
}

// Reap evicts sessions past their idle timeout or lifetime cap.
func (m *Manager) Reap(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.State == models.SandboxStarting {
			continue
		}
		switch {
		case m.policy.MaxDuration > 0 && now.Sub(s.CreatedAt) > m.policy.MaxDuration:
			m.releaseLocked(ctx, s, models.CleanupLifetimeExceeded)
		case m.policy.IdleTimeout > 0 && now.Sub(s.LastActivity) > m.policy.IdleTimeout:
			m.releaseLocked(ctx, s, models.CleanupIdleTimeout)
		}
	}
}

func (m *Manager) countForUserLocked(userID string) int {
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n
}

func (m *Manager) lruForUserLocked(userID string) *session {
	var victim *session
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		if victim == nil || s.LastActivity.Before(victim.LastActivity) {
			victim = s
		}
	}
	return victim
}

// installedPackages extracts package names from a pip or apt install command.
func installedPackages(command []string) []string {
	for i := 0; i < len(command)-1; i++ {
		isPip := command[i] == "pip" || command[i] == "pip3"
		isApt := command[i] == "apt-get" || command[i] == "apt"
		if (isPip || isApt) && command[i+1] == "install" {
			var pkgs []string
			for _, arg := range command[i+2:] {
				if !strings.HasPrefix(arg, "-") {
					pkgs = append(pkgs, arg)
				}
			}
			return pkgs
		}
	}
	return nil
}

func appendUnique(dst []string, values ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range values {
		if !seen[v] {
			dst = append(dst, v)
			seen[v] = true
		}
	}
	return dst
}
