// Package locks provides per-thread advisory write locks. One turn at a time
// may advance a thread; a concurrent resume on a held thread is rejected
// rather than queued.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLockTimeout is returned when acquiring a lock times out.
	ErrLockTimeout = errors.New("locks: acquisition timeout")

	// ErrLockHeld is returned by TryAcquire when another turn holds the lock.
	ErrLockHeld = errors.New("locks: thread lock held by another turn")
)

// threadLock is a semaphore of capacity one. Sending acquires, receiving
// releases; select with a timer gives bounded waits.
type threadLock struct {
	sem chan struct{}

	mu       sync.Mutex
	holder   string
	acquired time.Time
}

// Manager hands out advisory locks keyed by thread id.
//
// Thread Safety: Manager is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*threadLock)}
}

func (m *Manager) lockFor(threadID string) *threadLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[threadID]
	if !ok {
		l = &threadLock{sem: make(chan struct{}, 1)}
		m.locks[threadID] = l
	}
	return l
}

// Acquire blocks until the thread lock is free, the timeout elapses, or the
// context is cancelled. The returned release function must be called exactly
// once, typically via defer; extra calls are no-ops.
func (m *Manager) Acquire(ctx context.Context, threadID, holder string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	l := m.lockFor(threadID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		l.setHolder(holder)
		return m.releaseFunc(l), nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire acquires the thread lock without waiting. Returns ErrLockHeld if
// another turn holds it.
func (m *Manager) TryAcquire(threadID, holder string) (func(), error) {
	l := m.lockFor(threadID)

	select {
	case l.sem <- struct{}{}:
		l.setHolder(holder)
		return m.releaseFunc(l), nil
	default:
		return nil, ErrLockHeld
	}
}

func (l *threadLock) setHolder(holder string) {
	l.mu.Lock()
	l.holder = holder
	l.acquired = time.Now()
	l.mu.Unlock()
}

func (m *Manager) releaseFunc(l *threadLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.holder = ""
			l.mu.Unlock()
			<-l.sem
		})
	}
}

// Holder returns the current holder of a thread's lock, if locked.
func (m *Manager) Holder(threadID string) (holder string, locked bool) {
	m.mu.Lock()
	l, ok := m.locks[threadID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, len(l.sem) > 0
}
