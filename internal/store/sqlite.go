package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	usageMu sync.Mutex // serializes ledger writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed ledger.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		chain_id INTEGER NOT NULL,
		model TEXT NOT NULL,
		security TEXT NOT NULL,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		prompt_id TEXT NOT NULL,
		llm_tokens INTEGER NOT NULL,
		vlm_tokens INTEGER NOT NULL,
		total_tokens INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_records(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertSession creates or refreshes a session row.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *SessionRecord) error {
	query := `
		INSERT INTO sessions (session_id, job_id, chain_id, model, security, total_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			job_id = excluded.job_id,
			chain_id = excluded.chain_id,
			model = excluded.model,
			security = excluded.security,
			updated_at = excluded.updated_at`

	now := time.Now()
	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.JobID, session.ChainID, session.Model,
		session.Security, session.TotalTokens, createdAt.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// RecordUsage appends one prompt's usage and bumps the session total in a
// single transaction so the ledger can never show a record without its
// matching total.
func (s *SQLiteStore) RecordUsage(ctx context.Context, record *UsageRecord) error {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_records (session_id, prompt_id, llm_tokens, vlm_tokens, total_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.SessionID, record.PromptID, record.LLMTokens, record.VLMTokens,
		record.TotalTokens, createdAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET total_tokens = total_tokens + ?, updated_at = ?
		WHERE session_id = ?`,
		record.TotalTokens, time.Now().Unix(), record.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session total: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage transaction: %w", err)
	}
	return nil
}

// LastUsage returns the most recent usage record for a session, or nil.
func (s *SQLiteStore) LastUsage(ctx context.Context, sessionID string) (*UsageRecord, error) {
	query := `
		SELECT session_id, prompt_id, llm_tokens, vlm_tokens, total_tokens, created_at
		FROM usage_records
		WHERE session_id = ?
		ORDER BY id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var record UsageRecord
	var createdAt int64
	err := row.Scan(
		&record.SessionID, &record.PromptID, &record.LLMTokens,
		&record.VLMTokens, &record.TotalTokens, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan usage row: %w", err)
	}

	record.CreatedAt = time.Unix(createdAt, 0)
	return &record, nil
}

// GetSession returns one session row, or nil if it does not exist.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	query := `
		SELECT session_id, job_id, chain_id, model, security, total_tokens, created_at, updated_at
		FROM sessions
		WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var session SessionRecord
	var createdAt, updatedAt int64
	err := row.Scan(
		&session.SessionID, &session.JobID, &session.ChainID, &session.Model,
		&session.Security, &session.TotalTokens, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// SessionTotal returns the cumulative token count for a session.
func (s *SQLiteStore) SessionTotal(ctx context.Context, sessionID string) (int, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT total_tokens FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan session total: %w", err)
	}
	return total, nil
}

// ListSessions returns all session rows, most recently updated first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*SessionRecord, error) {
	query := `
		SELECT session_id, job_id, chain_id, model, security, total_tokens, created_at, updated_at
		FROM sessions
		ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		var session SessionRecord
		var createdAt, updatedAt int64
		err := rows.Scan(
			&session.SessionID, &session.JobID, &session.ChainID, &session.Model,
			&session.Security, &session.TotalTokens, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		session.CreatedAt = time.Unix(createdAt, 0)
		session.UpdatedAt = time.Unix(updatedAt, 0)
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}
