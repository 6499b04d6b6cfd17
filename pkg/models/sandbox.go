package models

import "time"

// SandboxState tracks a sandbox session's lifecycle.
type SandboxState string

const (
	SandboxStarting   SandboxState = "starting"
	SandboxActive     SandboxState = "active"
	SandboxIdle       SandboxState = "idle"
	SandboxEvicted    SandboxState = "evicted"
	SandboxTerminated SandboxState = "terminated"
)

// CleanupReason records why a sandbox session was terminated.
type CleanupReason string

const (
	CleanupIdleTimeout      CleanupReason = "idle_timeout"
	CleanupLifetimeExceeded CleanupReason = "lifetime_exceeded"
	CleanupUserQuota        CleanupReason = "user_quota"
	CleanupThreadDeleted    CleanupReason = "thread_deleted"
	CleanupOrphaned         CleanupReason = "orphaned"
	CleanupShutdown         CleanupReason = "shutdown"
)

// SandboxSession is a live isolated runtime bound to a thread. At most one
// session in state active or idle exists per thread.
type SandboxSession struct {
	SandboxID         string       `json:"sandbox_id"`
	ThreadID          string       `json:"thread_id"`
	UserID            string       `json:"user_id"`
	State             SandboxState `json:"state"`
	CreatedAt         time.Time    `json:"created_at"`
	LastActivity      time.Time    `json:"last_activity"`
	InstalledPackages []string     `json:"installed_packages,omitempty"`
	CreatedFiles      []string     `json:"created_files,omitempty"`
}

// SandboxHistory is the per-thread record that survives session eviction, so
// a recreated session can be re-populated.
type SandboxHistory struct {
	ThreadID          string        `json:"thread_id"`
	InstalledPackages []string      `json:"installed_packages,omitempty"`
	CreatedFiles      []string      `json:"created_files,omitempty"`
	LastCleanupReason CleanupReason `json:"last_cleanup_reason,omitempty"`
}
