// Package sandbox manages per-thread isolated runtimes for code execution.
// Sessions are created lazily on first use, reused across a thread's turns,
// and reclaimed by idle timeout, lifetime cap, per-user quota, or orphan
// sweep.
package sandbox

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when a runtime cannot be provisioned.
var ErrUnavailable = errors.New("sandbox: runtime unavailable")

// ExecResult is the outcome of one command execution inside a sandbox.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Driver provisions and controls isolated runtimes. Implementations map a
// session name to whatever the backend calls its unit of isolation.
type Driver interface {
	// Create boots a runtime under the given name and image. The runtime
	// stays up until Terminate.
	Create(ctx context.Context, name, image string) error

	// Exec runs a command inside the named runtime.
	Exec(ctx context.Context, name string, command []string) (*ExecResult, error)

	// Terminate destroys the named runtime. Terminating an unknown name is
	// not an error.
	Terminate(ctx context.Context, name string) error

	// ListAll returns the names of every runtime the backend knows about
	// whose name starts with prefix, whether or not this process created it.
	// Used to reclaim orphans after a crash.
	ListAll(ctx context.Context, prefix string) ([]string, error)
}
