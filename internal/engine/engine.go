// Package engine hosts the session controller: the state machine that owns
// every inference session and the only surface exposed to callers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/hostlink/internal/crypto"
	"github.com/ashureev/hostlink/internal/domain"
	"github.com/ashureev/hostlink/internal/prompt"
	"github.com/ashureev/hostlink/internal/store"
	"github.com/ashureev/hostlink/internal/stream"
	"github.com/ashureev/hostlink/internal/transport"
	"github.com/ashureev/hostlink/internal/usage"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultPromptIdleTimeout = 2 * time.Minute
)

// ErrPromptTimeout means no frame arrived within the idle window. The prompt
// fails closed: nothing is billed and the session returns to ACTIVE.
var ErrPromptTimeout = errors.New("prompt timed out waiting for host frames")

var errSessionClosed = errors.New("session closed")

// Config tunes one engine instance.
type Config struct {
	ConnectTimeout    time.Duration
	PromptIdleTimeout time.Duration
	KeyTTL            time.Duration
	SendQueueSize     int
	ReconnectAttempts int
	Logger            *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.PromptIdleTimeout <= 0 {
		c.PromptIdleTimeout = DefaultPromptIdleTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine is the root controller. It owns the session registry; there is no
// module-level state, so applications create exactly one per process (or more
// for isolated tenants).
type Engine struct {
	cfg     Config
	log     *slog.Logger
	crypto  *crypto.Engine
	tracker *usage.Tracker
	repo    store.Repository

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates an engine. repo may be nil to run without a persistent ledger.
func New(cfg Config, repo store.Repository) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		crypto:   crypto.NewEngine(cfg.KeyTTL),
		tracker:  usage.NewTracker(repo, cfg.Logger),
		repo:     repo,
		sessions: make(map[string]*session),
	}
}

// StartParams describes the session to establish. Host and HostPublicKey are
// assumed already resolved by the discovery collaborator; JobID and ChainID
// reference the settlement job created on-chain before this call.
type StartParams struct {
	Host          string
	Model         string
	Security      domain.SecurityMode
	JobID         string
	ChainID       int64
	HostPublicKey []byte
	VectorDB      *domain.VectorDatabase
}

// PromptParams describes one prompt. Images nil means "no attachments";
// an explicitly empty slice is rejected. Temperature nil selects the
// default; an explicit zero requests greedy decoding. OnToken fires per
// chunk (best-effort across reconnects), OnUsage exactly once per completed
// prompt.
type PromptParams struct {
	Text        string
	Images      []domain.ImageAttachment
	MaxTokens   int
	Temperature *float64
	Stream      bool
	OnToken     func(string)
	OnUsage     func(domain.TokenUsage)
}

// StartSession establishes transport and, for encrypted sessions, the
// session key, then announces the session to the host. INIT → CONNECTING →
// ACTIVE.
func (e *Engine) StartSession(ctx context.Context, p StartParams) (*domain.Session, error) {
	if p.Host == "" {
		return nil, &domain.ValidationError{Field: "host", Reason: "empty host URL"}
	}
	if p.Model == "" {
		return nil, &domain.ValidationError{Field: "model", Reason: "empty model name"}
	}
	if !p.Security.Valid() {
		return nil, &domain.ValidationError{Field: "security", Reason: fmt.Sprintf("unknown mode %q", p.Security)}
	}
	if p.Security == domain.SecurityEncrypted && len(p.HostPublicKey) != crypto.PublicKeySize {
		return nil, &domain.ValidationError{Field: "host_public_key", Reason: "encrypted sessions require the host's X25519 public key"}
	}

	s := &session{
		eng:       e,
		id:        newID("ses"),
		jobID:     p.JobID,
		chainID:   p.ChainID,
		host:      p.Host,
		model:     p.Model,
		security:  p.Security,
		state:     domain.StateInit,
		vectorDB:  p.VectorDB,
		createdAt: time.Now(),
	}
	s.log = e.log.With("session_id", s.id, "host", p.Host)

	if p.Security == domain.SecurityEncrypted {
		key, err := e.crypto.DeriveSessionKey(p.HostPublicKey)
		if err != nil {
			return nil, fmt.Errorf("derive session key: %w", err)
		}
		s.key = key
	}

	ch := transport.NewChannel(transport.Config{
		URL:                  p.Host,
		QueueSize:            e.cfg.SendQueueSize,
		MaxReconnectAttempts: e.cfg.ReconnectAttempts,
		DialTimeout:          e.cfg.ConnectTimeout,
		Logger:               s.log,
	})
	ch.OnMessage = s.handleFrame
	ch.OnDisconnect = s.handleDisconnect
	ch.OnReconnect = s.handleReconnect
	ch.OnError = func(err error) {
		s.log.Warn("Undecodable frame from host", "error", err)
	}
	ch.OnBackpressure = func(f domain.Frame) {
		s.log.Warn("Send queue overflow, dropped oldest frame", "type", f.Type)
	}
	s.channel = ch

	s.setState(domain.StateConnecting)
	connectCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()
	if err := ch.Connect(connectCtx); err != nil {
		s.destroy(domain.StateError)
		return nil, err
	}

	if err := s.sendInit(ctx); err != nil {
		s.destroy(domain.StateError)
		return nil, err
	}
	s.setState(domain.StateActive)

	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	if e.repo != nil {
		if err := e.repo.UpsertSession(ctx, &store.SessionRecord{
			SessionID: s.id,
			JobID:     s.jobID,
			ChainID:   s.chainID,
			Model:     s.model,
			Security:  string(s.security),
			CreatedAt: s.createdAt,
		}); err != nil {
			s.log.Error("Failed to persist session row", "error", err)
		}
	}

	s.log.Info("Session established", "model", s.model, "security", s.security)
	return s.snapshot(), nil
}

// SendPrompt runs one prompt to completion and returns the final text.
// Exactly one prompt may be in flight per session; a concurrent second call
// fails with ErrSessionBusy rather than interleaving chunk delivery.
func (e *Engine) SendPrompt(ctx context.Context, sessionID string, p PromptParams) (string, error) {
	s := e.get(sessionID)
	if s == nil {
		return "", domain.ErrSessionNotFound
	}

	// Validation and payload assembly happen before any state transition,
	// encryption, or network write.
	payload, err := prompt.BuildPayload(
		p.Text, p.Images, s.model, p.MaxTokens, p.Temperature, p.Stream,
		s.security == domain.SecurityEncrypted,
	)
	if err != nil {
		return "", err
	}

	promptID := newID("prm")
	cur := &inflight{
		id:       promptID,
		acc:      stream.New(p.OnToken),
		done:     make(chan promptResult, 1),
		activity: make(chan struct{}, 1),
	}

	frame, err := s.beginPrompt(promptID, payload, cur)
	if err != nil {
		return "", err
	}

	if err := s.channel.Send(ctx, frame); err != nil {
		s.abortPrompt(cur)
		return "", err
	}

	idle := time.NewTimer(e.cfg.PromptIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case res := <-cur.done:
			if res.err != nil {
				return "", res.err
			}
			total := e.tracker.Record(ctx, s.id, promptID, res.usage)
			s.log.Info("Prompt completed",
				"prompt_id", promptID,
				"llm_tokens", res.usage.LLMTokens,
				"vlm_tokens", res.usage.VLMTokens,
				"session_total", total,
			)
			if p.OnUsage != nil {
				p.OnUsage(res.usage)
			}
			return res.text, nil

		case <-cur.activity:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.cfg.PromptIdleTimeout)

		case <-idle.C:
			s.abortPrompt(cur)
			return "", fmt.Errorf("prompt %s: %w", promptID, ErrPromptTimeout)

		case <-ctx.Done():
			s.abortPrompt(cur)
			return "", ctx.Err()
		}
	}
}

// EndSession closes the transport, zeroes the session key, and discards the
// session's in-memory counters. The persistent ledger keeps its history.
func (e *Engine) EndSession(sessionID string) error {
	e.mu.Lock()
	s := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	if s == nil {
		return domain.ErrSessionNotFound
	}

	s.mu.Lock()
	cur := s.current
	s.current = nil
	s.state = domain.StateClosing
	s.mu.Unlock()

	if cur != nil {
		deliver(cur, promptResult{err: errSessionClosed})
	}

	s.destroy(domain.StateClosed)
	e.tracker.Forget(sessionID)
	s.log.Info("Session ended")
	return nil
}

// LastUsage returns the most recent completed prompt's usage for a session.
// ok is false if no prompt has completed. This is the sole read surface
// other subsystems poll for billing display.
func (e *Engine) LastUsage(sessionID string) (domain.TokenUsage, bool) {
	return e.tracker.Last(sessionID)
}

// Session returns a point-in-time snapshot of one session.
func (e *Engine) Session(sessionID string) (*domain.Session, error) {
	s := e.get(sessionID)
	if s == nil {
		return nil, domain.ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// Close ends every live session. Used during application shutdown.
func (e *Engine) Close() {
	e.mu.RLock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		if err := e.EndSession(id); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
			e.log.Warn("Failed to end session during shutdown", "session_id", id, "error", err)
		}
	}
}

func (e *Engine) get(sessionID string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[sessionID]
}
