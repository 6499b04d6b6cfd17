package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/strandlabs/strand/pkg/models"
)

// PostgresStore persists checkpoint lineages in Postgres. Step assignment
// runs inside a transaction holding the thread's newest row, so concurrent
// saves cannot produce duplicate steps.
type PostgresStore struct {
	db *sql.DB

	stmtGet          *sql.Stmt
	stmtLatest       *sql.Stmt
	stmtHistory      *sql.Stmt
	stmtDeleteThread *sql.Stmt
}

// NewPostgresStore wraps an existing pool, typically shared with the main
// repository set.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.prepareStatements(); err != nil {
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

// InitSchema creates the checkpoints table if it does not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS checkpoints (
	id         TEXT NOT NULL UNIQUE,
	thread_id  TEXT NOT NULL,
	step       INT NOT NULL,
	parent_id  TEXT NOT NULL DEFAULT '',
	state      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (thread_id, step)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints (created_at);
`)
	if err != nil {
		return fmt.Errorf("failed to apply checkpoint schema: %w", err)
	}
	return nil
}

const selectColumns = `id, thread_id, step, parent_id, state, created_at`

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtGet, err = s.db.Prepare(`
		SELECT ` + selectColumns + ` FROM checkpoints WHERE thread_id = $1 AND id = $2`)
	if err != nil {
		return fmt.Errorf("failed to prepare get checkpoint: %w", err)
	}

	s.stmtLatest, err = s.db.Prepare(`
		SELECT ` + selectColumns + ` FROM checkpoints
		WHERE thread_id = $1 ORDER BY step DESC LIMIT 1`)
	if err != nil {
		return fmt.Errorf("failed to prepare latest checkpoint: %w", err)
	}

	s.stmtHistory, err = s.db.Prepare(`
		SELECT ` + selectColumns + ` FROM checkpoints
		WHERE thread_id = $1 ORDER BY step DESC LIMIT $2`)
	if err != nil {
		return fmt.Errorf("failed to prepare checkpoint history: %w", err)
	}

	s.stmtDeleteThread, err = s.db.Prepare(`
		DELETE FROM checkpoints WHERE thread_id = $1`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete thread checkpoints: %w", err)
	}

	return nil
}

// Close releases the prepared statements. The pool itself is owned by the
// caller.
func (s *PostgresStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{s.stmtGet, s.stmtLatest, s.stmtHistory, s.stmtDeleteThread} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing checkpoint store: %v", errs)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, threadID string, state *models.AgentState) (*models.Checkpoint, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin save: %w", err)
	}
	defer tx.Rollback()

	var step int
	var parentID string
	err = tx.QueryRowContext(ctx, `
		SELECT step, id FROM checkpoints
		WHERE thread_id = $1 ORDER BY step DESC LIMIT 1 FOR UPDATE`, threadID,
	).Scan(&step, &parentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read lineage head: %w", err)
	}

	cp := &models.Checkpoint{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Step:      step + 1,
		ParentID:  parentID,
		State:     state.Clone(),
		CreatedAt: time.Now(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, thread_id, step, parent_id, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.ID, cp.ThreadID, cp.Step, cp.ParentID, stateJSON, cp.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return cp, nil
}

func scanCheckpoint(scan func(dest ...any) error) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	var stateJSON []byte
	if err := scan(&cp.ID, &cp.ThreadID, &cp.Step, &cp.ParentID, &stateJSON, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.State = &models.AgentState{}
	if err := json.Unmarshal(stateJSON, cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return cp, nil
}

func (s *PostgresStore) Latest(ctx context.Context, threadID string) (*models.Checkpoint, error) {
	cp, err := scanCheckpoint(s.stmtLatest.QueryRowContext(ctx, threadID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *PostgresStore) Get(ctx context.Context, threadID, id string) (*models.Checkpoint, error) {
	cp, err := scanCheckpoint(s.stmtGet.QueryRowContext(ctx, threadID, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return cp, nil
}

func (s *PostgresStore) History(ctx context.Context, threadID string, limit int) ([]*models.Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtHistory.QueryContext(ctx, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.stmtDeleteThread.ExecContext(ctx, threadID); err != nil {
		return fmt.Errorf("failed to delete thread checkpoints: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, cutoff time.Time, keepPerThread int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints c
		WHERE c.created_at < $1
		AND c.step NOT IN (
			SELECT step FROM checkpoints newest
			WHERE newest.thread_id = c.thread_id
			ORDER BY step DESC LIMIT $2
		)`, cutoff, keepPerThread)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired checkpoints: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) Backend() string { return "postgres" }

var _ Store = (*PostgresStore)(nil)
