// Package usage maintains the per-session token ledger. It is the only
// writer of session totals; everything else reads.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/hostlink/internal/domain"
	"github.com/ashureev/hostlink/internal/shared"
	"github.com/ashureev/hostlink/internal/store"
)

type entry struct {
	total int
	last  *domain.TokenUsage
}

// Tracker is the in-memory ledger with optional write-through persistence.
// A ledger write failure is logged and never corrupts the in-memory totals
// or fails the prompt that produced the usage.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	repo     store.Repository
	log      *slog.Logger
}

// NewTracker creates a tracker. repo may be nil for a purely in-memory
// ledger.
func NewTracker(repo store.Repository, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		sessions: make(map[string]*entry),
		repo:     repo,
		log:      logger,
	}
}

// Record appends one completed prompt's usage to a session and returns the
// new cumulative total. Totals are monotonically non-decreasing: negative
// components are clamped to zero before they can shrink the session total.
func (t *Tracker) Record(ctx context.Context, sessionID, promptID string, usage domain.TokenUsage) int {
	if usage.LLMTokens < 0 {
		t.log.Warn("Clamped negative llm token count", "session_id", sessionID, "prompt_id", promptID, "llm_tokens", usage.LLMTokens)
		usage.LLMTokens = 0
	}
	if usage.VLMTokens < 0 {
		t.log.Warn("Clamped negative vlm token count", "session_id", sessionID, "prompt_id", promptID, "vlm_tokens", usage.VLMTokens)
		usage.VLMTokens = 0
	}
	usage.TotalTokens = usage.LLMTokens + usage.VLMTokens

	t.mu.Lock()
	e, ok := t.sessions[sessionID]
	if !ok {
		e = &entry{}
		t.sessions[sessionID] = e
	}
	e.total += usage.TotalTokens
	snapshot := usage
	e.last = &snapshot
	total := e.total
	t.mu.Unlock()

	if t.repo != nil {
		t.persist(ctx, &store.UsageRecord{
			SessionID:   sessionID,
			PromptID:    promptID,
			LLMTokens:   usage.LLMTokens,
			VLMTokens:   usage.VLMTokens,
			TotalTokens: usage.TotalTokens,
			CreatedAt:   time.Now(),
		})
	}
	return total
}

// Last returns the most recent usage for a session. ok is false until the
// first prompt completes — never a synthesized zero value, so a failed first
// prompt cannot masquerade as "zero cost".
func (t *Tracker) Last(sessionID string) (domain.TokenUsage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.sessions[sessionID]
	if !ok || e.last == nil {
		return domain.TokenUsage{}, false
	}
	return *e.last, true
}

// Total returns the cumulative token count for a session. Sessions not held
// in memory fall back to the persistent ledger, so totals survive restarts.
func (t *Tracker) Total(sessionID string) int {
	t.mu.RLock()
	e, ok := t.sessions[sessionID]
	t.mu.RUnlock()

	if ok {
		return e.total
	}
	if t.repo != nil {
		total, err := t.repo.SessionTotal(context.Background(), sessionID)
		if err != nil {
			t.log.Warn("Failed to read ledger total", "session_id", sessionID, "error", err)
			return 0
		}
		return total
	}
	return 0
}

// Forget discards a session's in-memory counters. The persistent ledger
// keeps its history.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *Tracker) persist(ctx context.Context, record *store.UsageRecord) {
	err := t.repo.RecordUsage(ctx, record)
	if err != nil && shared.IsSQLiteConflictError(err) {
		// One retry on lock contention; the per-store mutex makes repeats rare.
		err = t.repo.RecordUsage(ctx, record)
	}
	if err != nil {
		t.log.Error("Failed to persist usage record",
			"session_id", record.SessionID,
			"prompt_id", record.PromptID,
			"error", err,
		)
	}
}
