package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/hostlink/internal/domain"
	"github.com/ashureev/hostlink/internal/store"
	"github.com/go-chi/chi/v5"
)

// SessionSource is the live view the engine exposes; the handlers fall back
// to the ledger for sessions the engine no longer holds.
type SessionSource interface {
	Session(sessionID string) (*domain.Session, error)
	LastUsage(sessionID string) (domain.TokenUsage, bool)
}

// SessionHandler serves the session and usage read surface.
type SessionHandler struct {
	repo store.Repository
	live SessionSource
	log  *slog.Logger
}

// NewSessionHandler creates a new SessionHandler. live may be nil when only
// the persistent ledger is served.
func NewSessionHandler(repo store.Repository, live SessionSource, logger *slog.Logger) *SessionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionHandler{repo: repo, live: live, log: logger}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Get("/sessions/{sessionID}/usage", h.GetUsage)
	})
}

// ListSessions returns every session row in the ledger, most recent first.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.repo.ListSessions(r.Context())
	if err != nil {
		h.log.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []*store.SessionRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns the live snapshot when the session is still registered,
// otherwise the ledger row.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if h.live != nil {
		if snap, err := h.live.Session(sessionID); err == nil {
			JSON(w, http.StatusOK, snap)
			return
		}
	}

	record, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		h.log.Error("Failed to read session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	if record == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, record)
}

// GetUsage returns the most recent completed prompt's token usage. Before
// the first completed prompt there is no usage at all, so the response is a
// 404 rather than a zero-valued record.
func (h *SessionHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if h.live != nil {
		if usage, ok := h.live.LastUsage(sessionID); ok {
			JSON(w, http.StatusOK, usage)
			return
		}
	}

	record, err := h.repo.LastUsage(r.Context(), sessionID)
	if err != nil {
		h.log.Error("Failed to read usage", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	if record == nil {
		Error(w, http.StatusNotFound, "no completed prompt for session")
		return
	}
	JSON(w, http.StatusOK, domain.TokenUsage{
		LLMTokens:   record.LLMTokens,
		VLMTokens:   record.VLMTokens,
		TotalTokens: record.TotalTokens,
	})
}

// HealthHandler serves liveness checks.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// RegisterHealth registers the health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health reports process and database liveness.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
