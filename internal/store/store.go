// Package store provides the persistent token-usage ledger.
package store

import (
	"context"
	"time"
)

// SessionRecord is the ledger row for one inference session.
type SessionRecord struct {
	SessionID   string    `json:"session_id"`
	JobID       string    `json:"job_id"`
	ChainID     int64     `json:"chain_id"`
	Model       string    `json:"model"`
	Security    string    `json:"security"`
	TotalTokens int       `json:"total_tokens"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UsageRecord is the ledger row for one completed prompt. Settlement reads
// these; the engine only appends.
type UsageRecord struct {
	SessionID   string    `json:"session_id"`
	PromptID    string    `json:"prompt_id"`
	LLMTokens   int       `json:"llm_tokens"`
	VLMTokens   int       `json:"vlm_tokens"`
	TotalTokens int       `json:"total_tokens"`
	CreatedAt   time.Time `json:"created_at"`
}

// Repository defines the interface for persisting the usage ledger.
type Repository interface {
	// UpsertSession creates or refreshes a session row.
	UpsertSession(ctx context.Context, session *SessionRecord) error

	// RecordUsage appends one prompt's usage and bumps the session total
	// atomically.
	RecordUsage(ctx context.Context, record *UsageRecord) error

	// GetSession returns one session row, or nil if it does not exist.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// LastUsage returns the most recent usage record for a session, or nil
	// if no prompt has completed.
	LastUsage(ctx context.Context, sessionID string) (*UsageRecord, error)

	// SessionTotal returns the cumulative token count for a session.
	SessionTotal(ctx context.Context, sessionID string) (int, error)

	// ListSessions returns all session rows, most recently updated first.
	ListSessions(ctx context.Context) ([]*SessionRecord, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
