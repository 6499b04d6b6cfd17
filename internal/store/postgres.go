package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/strandlabs/strand/pkg/models"
)

// PostgresConfig holds connection pool settings for the Postgres backend.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration

	// QuotaWindow is the rolling window applied when a counter resets.
	QuotaWindow time.Duration
	// DefaultQuotaLimit seeds counters for users with no explicit quota row.
	DefaultQuotaLimit int
}

// DefaultPostgresConfig returns pool settings suitable for a single service
// instance.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:      25,
		MaxIdleConns:      5,
		ConnMaxLifetime:   5 * time.Minute,
		ConnMaxIdleTime:   2 * time.Minute,
		ConnectTimeout:    10 * time.Second,
		QuotaWindow:       24 * time.Hour,
		DefaultQuotaLimit: 100,
	}
}

// PostgresStore implements every repository interface over one connection
// pool. Statements are prepared once at startup.
type PostgresStore struct {
	db  *sql.DB
	cfg *PostgresConfig

	stmtCreateThread    *sql.Stmt
	stmtGetThread       *sql.Stmt
	stmtListOwned       *sql.Stmt
	stmtUpdateThread    *sql.Stmt
	stmtDeleteThread    *sql.Stmt
	stmtCountMessages   *sql.Stmt
	stmtDeleteAnonymous *sql.Stmt

	stmtAppendMessage  *sql.Stmt
	stmtListMessages   *sql.Stmt
	stmtDeleteMessages *sql.Stmt

	stmtGetCredential *sql.Stmt

	stmtGetQuota        *sql.Stmt
	stmtUpsertQuota     *sql.Stmt
	stmtIncrementTokens *sql.Stmt
	stmtAppendLog       *sql.Stmt

	stmtGetHistory    *sql.Stmt
	stmtPutHistory    *sql.Stmt
	stmtDeleteHistory *sql.Stmt
}

// NewPostgresStore opens a pool against the DSN, verifies connectivity, and
// prepares all statements.
func NewPostgresStore(dsn string, cfg *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{db: db, cfg: cfg}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

// PostgresSet wraps a PostgresStore as a repository Set. Thin views map the
// repository method names onto the store's disambiguated ones.
func PostgresSet(s *PostgresStore) *Set {
	return &Set{
		Threads:        s,
		Messages:       s,
		Credentials:    postgresCredentials{s},
		Quota:          postgresQuota{s},
		SandboxHistory: postgresHistory{s},
		closer:         s.Close,
	}
}

type postgresCredentials struct{ s *PostgresStore }

func (p postgresCredentials) Get(ctx context.Context, userID, provider string) (*models.ProviderCredential, error) {
	return p.s.GetCredential(ctx, userID, provider)
}

type postgresQuota struct{ s *PostgresStore }

func (p postgresQuota) Get(ctx context.Context, userID string, capability models.Capability) (*models.Quota, error) {
	return p.s.GetQuota(ctx, userID, capability)
}

func (p postgresQuota) CheckAndIncrement(ctx context.Context, userID string, capability models.Capability, amount int) (*models.Quota, error) {
	return p.s.CheckAndIncrement(ctx, userID, capability, amount)
}

func (p postgresQuota) IncrementTokens(ctx context.Context, userID string, amount int) error {
	return p.s.IncrementTokens(ctx, userID, amount)
}

func (p postgresQuota) AppendLog(ctx context.Context, entry *models.UsageLogEntry) error {
	return p.s.AppendLog(ctx, entry)
}

type postgresHistory struct{ s *PostgresStore }

func (p postgresHistory) Get(ctx context.Context, threadID string) (*models.SandboxHistory, error) {
	return p.s.GetHistory(ctx, threadID)
}

func (p postgresHistory) Put(ctx context.Context, history *models.SandboxHistory) error {
	return p.s.PutHistory(ctx, history)
}

func (p postgresHistory) Delete(ctx context.Context, threadID string) error {
	return p.s.DeleteHistory(ctx, threadID)
}

// DB exposes the underlying pool for related stores.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// InitSchema creates the tables if they do not exist. Intended for dev and
// tests; production deployments run migrations out of band.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id                  TEXT PRIMARY KEY,
	owner_key           TEXT NOT NULL,
	agent_binding       TEXT NOT NULL DEFAULT '',
	title               TEXT NOT NULL DEFAULT '',
	title_autogenerated BOOLEAN NOT NULL DEFAULT TRUE,
	status              TEXT NOT NULL DEFAULT 'active',
	message_count       INT NOT NULL DEFAULT 0,
	token_count         INT NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_owner ON threads (owner_key, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	thread_id    TEXT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	tool_calls   JSONB,
	tool_call_id TEXT NOT NULL DEFAULT '',
	metadata     JSONB,
	token_count  INT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (thread_id, created_at);

CREATE TABLE IF NOT EXISTS provider_credentials (
	user_id       TEXT NOT NULL,
	provider      TEXT NOT NULL,
	encrypted_key BYTEA NOT NULL,
	api_base      TEXT NOT NULL DEFAULT '',
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (user_id, provider)
);

CREATE TABLE IF NOT EXISTS quotas (
	user_id     TEXT NOT NULL,
	capability  TEXT NOT NULL,
	limit_value INT NOT NULL,
	used        INT NOT NULL DEFAULT 0,
	reset_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, capability)
);

CREATE TABLE IF NOT EXISTS token_usage (
	user_id TEXT PRIMARY KEY,
	tokens  BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS usage_log (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	capability    TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	key_source    TEXT NOT NULL,
	input_tokens  INT NOT NULL DEFAULT 0,
	output_tokens INT NOT NULL DEFAULT 0,
	estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_log_user ON usage_log (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS sandbox_history (
	thread_id           TEXT PRIMARY KEY,
	installed_packages  JSONB,
	created_files       JSONB,
	last_cleanup_reason TEXT NOT NULL DEFAULT ''
);
`

func (s *PostgresStore) prepareStatements() error {
	stmts := []struct {
		dst  **sql.Stmt
		name string
		sql  string
	}{
		{&s.stmtCreateThread, "create thread", `
			INSERT INTO threads (id, owner_key, agent_binding, title, title_autogenerated, status, message_count, token_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`},
		{&s.stmtGetThread, "get thread", `
			SELECT id, owner_key, agent_binding, title, title_autogenerated, status, message_count, token_count, created_at, updated_at
			FROM threads WHERE id = $1`},
		{&s.stmtListOwned, "list owned threads", `
			SELECT id, owner_key, agent_binding, title, title_autogenerated, status, message_count, token_count, created_at, updated_at
			FROM threads WHERE owner_key = $1
			ORDER BY updated_at DESC
			LIMIT $2 OFFSET $3`},
		{&s.stmtUpdateThread, "update thread", `
			UPDATE threads
			SET agent_binding = $1, title = $2, title_autogenerated = $3, status = $4, message_count = $5, token_count = $6, updated_at = $7
			WHERE id = $8`},
		{&s.stmtDeleteThread, "delete thread", `
			DELETE FROM threads WHERE id = $1`},
		{&s.stmtCountMessages, "count messages", `
			SELECT COUNT(*) FROM messages WHERE thread_id = $1`},
		{&s.stmtDeleteAnonymous, "delete expired anonymous threads", `
			DELETE FROM threads
			WHERE owner_key LIKE 'anon:%' AND updated_at < $1
			RETURNING id`},
		{&s.stmtAppendMessage, "append message", `
			INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_call_id, metadata, token_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`},
		{&s.stmtListMessages, "list messages", `
			SELECT id, thread_id, role, content, tool_calls, tool_call_id, metadata, token_count, created_at
			FROM (
				SELECT id, thread_id, role, content, tool_calls, tool_call_id, metadata, token_count, created_at
				FROM messages WHERE thread_id = $1
				ORDER BY created_at DESC
				LIMIT $2
			) tail
			ORDER BY created_at ASC`},
		{&s.stmtDeleteMessages, "delete thread messages", `
			DELETE FROM messages WHERE thread_id = $1`},
		{&s.stmtGetCredential, "get credential", `
			SELECT user_id, provider, encrypted_key, api_base, is_active
			FROM provider_credentials WHERE user_id = $1 AND provider = $2`},
		{&s.stmtGetQuota, "get quota", `
			SELECT limit_value, used, reset_at
			FROM quotas WHERE user_id = $1 AND capability = $2`},
		// The upsert resets an expired window and increments in one statement,
		// so concurrent callers cannot overshoot the limit. No row comes back
		// when the counter is exhausted.
		{&s.stmtUpsertQuota, "check and increment quota", `
			INSERT INTO quotas (user_id, capability, limit_value, used, reset_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, capability) DO UPDATE SET
				used = CASE WHEN quotas.reset_at < now() THEN $4 ELSE quotas.used + $4 END,
				reset_at = CASE WHEN quotas.reset_at < now() THEN $5 ELSE quotas.reset_at END
			WHERE (CASE WHEN quotas.reset_at < now() THEN 0 ELSE quotas.used END) + $4 <= quotas.limit_value
			RETURNING limit_value, used, reset_at`},
		{&s.stmtIncrementTokens, "increment tokens", `
			INSERT INTO token_usage (user_id, tokens) VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET tokens = token_usage.tokens + $2`},
		{&s.stmtAppendLog, "append usage log", `
			INSERT INTO usage_log (id, user_id, capability, provider, model, key_source, input_tokens, output_tokens, estimated_cost, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`},
		{&s.stmtGetHistory, "get sandbox history", `
			SELECT thread_id, installed_packages, created_files, last_cleanup_reason
			FROM sandbox_history WHERE thread_id = $1`},
		{&s.stmtPutHistory, "put sandbox history", `
			INSERT INTO sandbox_history (thread_id, installed_packages, created_files, last_cleanup_reason)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (thread_id) DO UPDATE SET
				installed_packages = $2, created_files = $3, last_cleanup_reason = $4`},
		{&s.stmtDeleteHistory, "delete sandbox history", `
			DELETE FROM sandbox_history WHERE thread_id = $1`},
	}

	for _, st := range stmts {
		prepared, err := s.db.Prepare(st.sql)
		if err != nil {
			return fmt.Errorf("failed to prepare %s: %w", st.name, err)
		}
		*st.dst = prepared
	}
	return nil
}

// Close closes the prepared statements and the pool.
func (s *PostgresStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtCreateThread, s.stmtGetThread, s.stmtListOwned, s.stmtUpdateThread,
		s.stmtDeleteThread, s.stmtCountMessages, s.stmtDeleteAnonymous,
		s.stmtAppendMessage, s.stmtListMessages, s.stmtDeleteMessages,
		s.stmtGetCredential, s.stmtGetQuota, s.stmtUpsertQuota,
		s.stmtIncrementTokens, s.stmtAppendLog,
		s.stmtGetHistory, s.stmtPutHistory, s.stmtDeleteHistory,
	} {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

func principalFromKey(key string) models.Principal {
	if id, ok := strings.CutPrefix(key, "user:"); ok {
		return models.Principal{UserID: id}
	}
	if id, ok := strings.CutPrefix(key, "anon:"); ok {
		return models.Principal{AnonymousID: id}
	}
	return models.Principal{}
}

func (s *PostgresStore) Create(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("store: thread is required")
	}
	if err := thread.Owner.Validate(); err != nil {
		return err
	}
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	thread.UpdatedAt = thread.CreatedAt
	if thread.Status == "" {
		thread.Status = models.ThreadActive
	}

	_, err := s.stmtCreateThread.ExecContext(ctx,
		thread.ID,
		thread.Owner.Key(),
		thread.AgentBinding,
		thread.Title,
		thread.TitleAutogenerated,
		string(thread.Status),
		thread.MessageCount,
		thread.TokenCount,
		thread.CreatedAt,
		thread.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) scanThread(row *sql.Row) (*models.Thread, error) {
	var t models.Thread
	var ownerKey, status string
	err := row.Scan(&t.ID, &ownerKey, &t.AgentBinding, &t.Title, &t.TitleAutogenerated,
		&status, &t.MessageCount, &t.TokenCount, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan thread: %w", err)
	}
	t.Owner = principalFromKey(ownerKey)
	t.Status = models.ThreadStatus(status)
	return &t, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Thread, error) {
	return s.scanThread(s.stmtGetThread.QueryRowContext(ctx, id))
}

func (s *PostgresStore) ListOwned(ctx context.Context, owner models.Principal, limit, offset int) ([]*models.Thread, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.stmtListOwned.QueryContext(ctx, owner.Key(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var out []*models.Thread
	for rows.Next() {
		var t models.Thread
		var ownerKey, status string
		if err := rows.Scan(&t.ID, &ownerKey, &t.AgentBinding, &t.Title, &t.TitleAutogenerated,
			&status, &t.MessageCount, &t.TokenCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		t.Owner = principalFromKey(ownerKey)
		t.Status = models.ThreadStatus(status)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, thread *models.Thread) error {
	if thread == nil {
		return errors.New("store: thread is required")
	}
	thread.UpdatedAt = time.Now()

	result, err := s.stmtUpdateThread.ExecContext(ctx,
		thread.AgentBinding,
		thread.Title,
		thread.TitleAutogenerated,
		string(thread.Status),
		thread.MessageCount,
		thread.TokenCount,
		thread.UpdatedAt,
		thread.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update thread: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.stmtDeleteThread.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountMessages(ctx context.Context, threadID string) (int, error) {
	var n int
	if err := s.stmtCountMessages.QueryRowContext(ctx, threadID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteExpiredAnonymous(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.stmtDeleteAnonymous.QueryContext(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired anonymous threads: %w", err)
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	return removed, rows.Err()
}

func (s *PostgresStore) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ThreadID == "" {
		return errors.New("store: message with thread id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCalls, err := marshalNullable(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}
	metadata, err := marshalNullable(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.stmtAppendMessage.ExecContext(ctx,
		msg.ID, msg.ThreadID, string(msg.Role), msg.Content,
		toolCalls, msg.ToolCallID, metadata, msg.TokenCount, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByThread(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = maxMessagesPerThread
	}
	rows, err := s.stmtListMessages.QueryContext(ctx, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var toolCalls, metadata []byte
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content,
			&toolCalls, &m.ToolCallID, &metadata, &m.TokenCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = models.Role(role)
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.stmtDeleteMessages.ExecContext(ctx, threadID); err != nil {
		return fmt.Errorf("failed to delete thread messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCredential(ctx context.Context, userID, provider string) (*models.ProviderCredential, error) {
	var c models.ProviderCredential
	err := s.stmtGetCredential.QueryRowContext(ctx, userID, provider).Scan(
		&c.UserID, &c.Provider, &c.EncryptedKey, &c.APIBase, &c.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetQuota(ctx context.Context, userID string, capability models.Capability) (*models.Quota, error) {
	q := &models.Quota{UserID: userID, Capability: capability}
	err := s.stmtGetQuota.QueryRowContext(ctx, userID, string(capability)).Scan(&q.Limit, &q.Used, &q.ResetAt)
	if errors.Is(err, sql.ErrNoRows) {
		q.Limit = s.cfg.DefaultQuotaLimit
		q.ResetAt = time.Now().Add(s.cfg.QuotaWindow)
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) CheckAndIncrement(ctx context.Context, userID string, capability models.Capability, amount int) (*models.Quota, error) {
	q := &models.Quota{UserID: userID, Capability: capability}
	err := s.stmtUpsertQuota.QueryRowContext(ctx,
		userID, string(capability), s.cfg.DefaultQuotaLimit, amount, time.Now().Add(s.cfg.QuotaWindow),
	).Scan(&q.Limit, &q.Used, &q.ResetAt)
	if errors.Is(err, sql.ErrNoRows) {
		// The conditional upsert matched no row: the counter is exhausted.
		current, gerr := s.GetQuota(ctx, userID, capability)
		if gerr != nil {
			return nil, gerr
		}
		return current, ErrQuotaExceeded
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment quota: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) IncrementTokens(ctx context.Context, userID string, amount int) error {
	if _, err := s.stmtIncrementTokens.ExecContext(ctx, userID, amount); err != nil {
		return fmt.Errorf("failed to increment tokens: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, entry *models.UsageLogEntry) error {
	if entry == nil {
		return errors.New("store: log entry is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.stmtAppendLog.ExecContext(ctx,
		uuid.NewString(), entry.UserID, string(entry.Capability), entry.Provider,
		entry.Model, string(entry.KeySource), entry.InputTokens, entry.OutputTokens,
		entry.EstimatedCost, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append usage log: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, threadID string) (*models.SandboxHistory, error) {
	h := &models.SandboxHistory{}
	var packages, files []byte
	var reason string
	err := s.stmtGetHistory.QueryRowContext(ctx, threadID).Scan(&h.ThreadID, &packages, &files, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox history: %w", err)
	}
	if len(packages) > 0 {
		if err := json.Unmarshal(packages, &h.InstalledPackages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal installed packages: %w", err)
		}
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &h.CreatedFiles); err != nil {
			return nil, fmt.Errorf("failed to unmarshal created files: %w", err)
		}
	}
	h.LastCleanupReason = models.CleanupReason(reason)
	return h, nil
}

func (s *PostgresStore) PutHistory(ctx context.Context, history *models.SandboxHistory) error {
	if history == nil || history.ThreadID == "" {
		return errors.New("store: history with thread id is required")
	}
	packages, err := marshalNullable(history.InstalledPackages)
	if err != nil {
		return fmt.Errorf("failed to marshal installed packages: %w", err)
	}
	files, err := marshalNullable(history.CreatedFiles)
	if err != nil {
		return fmt.Errorf("failed to marshal created files: %w", err)
	}
	_, err = s.stmtPutHistory.ExecContext(ctx,
		history.ThreadID, packages, files, string(history.LastCleanupReason),
	)
	if err != nil {
		return fmt.Errorf("failed to put sandbox history: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteHistory(ctx context.Context, threadID string) error {
	if _, err := s.stmtDeleteHistory.ExecContext(ctx, threadID); err != nil {
		return fmt.Errorf("failed to delete sandbox history: %w", err)
	}
	return nil
}

func marshalNullable(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

// isUniqueViolation reports whether an error is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}

var (
	_ ThreadRepository         = (*PostgresStore)(nil)
	_ MessageRepository        = (*PostgresStore)(nil)
	_ CredentialRepository     = postgresCredentials{}
	_ QuotaRepository          = postgresQuota{}
	_ SandboxHistoryRepository = postgresHistory{}
)
