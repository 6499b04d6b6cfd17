// Package checkpoint persists engine state snapshots. A checkpoint is written
// after every completed step, before the step's events reach the client, so a
// crash never loses acknowledged progress. Snapshots form a single-parent
// lineage per thread with strictly increasing steps.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/strandlabs/strand/pkg/models"
)

var (
	// ErrNotFound is returned when a thread has no checkpoint, or a specific
	// checkpoint id is unknown.
	ErrNotFound = errors.New("checkpoint: not found")
)

// Store persists checkpoint lineages.
type Store interface {
	// Backend names the storage backend for metrics ("memory", "postgres").
	Backend() string

	// Save snapshots the state as the next step of the thread's lineage. The
	// store assigns ID, Step, ParentID, and CreatedAt; the caller's State is
	// deep-copied so later mutation never aliases the snapshot. The populated
	// checkpoint is returned.
	Save(ctx context.Context, threadID string, state *models.AgentState) (*models.Checkpoint, error)

	// Latest returns the newest checkpoint of the thread.
	Latest(ctx context.Context, threadID string) (*models.Checkpoint, error)

	// Get returns a specific checkpoint by id.
	Get(ctx context.Context, threadID, id string) (*models.Checkpoint, error)

	// History returns checkpoints newest-first, at most limit when limit > 0.
	History(ctx context.Context, threadID string, limit int) ([]*models.Checkpoint, error)

	// DeleteThread removes the thread's entire lineage.
	DeleteThread(ctx context.Context, threadID string) error

	// DeleteExpired removes checkpoints created before the cutoff, always
	// retaining the newest keepPerThread of every thread. Returns the number
	// removed.
	DeleteExpired(ctx context.Context, cutoff time.Time, keepPerThread int) (int, error)
}

// Diff summarizes what changed between an older and a newer checkpoint.
func Diff(older, newer *models.Checkpoint) models.CheckpointDiff {
	d := models.CheckpointDiff{}
	if older == nil || newer == nil || older.State == nil || newer.State == nil {
		return d
	}
	d.MessagesAdded = len(newer.State.Messages) - len(older.State.Messages)
	d.TokensDelta = newer.State.TotalTokens - older.State.TotalTokens
	d.IterationDelta = newer.State.Iteration - older.State.Iteration
	d.StatusFrom = older.State.Status
	d.StatusTo = newer.State.Status
	return d
}
