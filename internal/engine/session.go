package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/hostlink/internal/crypto"
	"github.com/ashureev/hostlink/internal/domain"
	"github.com/ashureev/hostlink/internal/stream"
	"github.com/ashureev/hostlink/internal/transport"
)

var (
	errStreamInterrupted  = errors.New("connection lost while streaming; prompt cannot be resumed")
	errReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// session is the live state of one conversation with one host. All mutation
// goes through the engine; collaborators receive results, never the session.
type session struct {
	eng *Engine
	log *slog.Logger

	mu           sync.Mutex
	id           string
	jobID        string
	chainID      int64
	host         string
	model        string
	security     domain.SecurityMode
	state        domain.SessionState
	key          *crypto.SessionKey
	messageIndex uint64
	vectorDB     *domain.VectorDatabase
	channel      *transport.Channel
	current      *inflight
	createdAt    time.Time
}

// inflight is the single prompt allowed in flight for a session.
type inflight struct {
	id       string
	acc      *stream.Accumulator
	done     chan promptResult
	activity chan struct{}
}

type promptResult struct {
	text  string
	usage domain.TokenUsage
	err   error
}

// deliver hands a result to the waiting SendPrompt call. Buffered and
// non-blocking: the first outcome wins, later ones are dropped.
func deliver(cur *inflight, res promptResult) {
	select {
	case cur.done <- res:
	default:
	}
}

func (s *session) setState(next domain.SessionState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	s.log.Debug("Session state transition", "from", prev, "to", next)
}

// sendInit announces the session to the host. Always plaintext: in encrypted
// mode it carries the client public key the host needs before any key
// exists. The optional vector-database handle delegates retrieval to the
// host; this engine never inspects it.
func (s *session) sendInit(ctx context.Context) error {
	init := domain.SessionInitPayload{
		SessionID:      s.id,
		JobID:          s.jobID,
		ChainID:        s.chainID,
		VectorDatabase: s.vectorDB,
	}
	if s.key != nil {
		init.ClientPublicKey = s.key.ClientPublic()
	}

	payload, err := json.Marshal(init)
	if err != nil {
		return fmt.Errorf("encode session init: %w", err)
	}
	return s.channel.Send(ctx, domain.Frame{
		Type:      domain.FrameSessionInit,
		SessionID: s.id,
		Payload:   payload,
	})
}

// beginPrompt transitions ACTIVE → STREAMING and builds the prompt frame.
// The message index is committed before the network write, so a retry after
// a transport failure can never reuse a nonce.
func (s *session) beginPrompt(promptID string, payload domain.PromptPayload, cur *inflight) (domain.Frame, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Frame{}, fmt.Errorf("encode prompt: %w", err)
	}

	s.mu.Lock()
	switch s.state {
	case domain.StateStreaming:
		s.mu.Unlock()
		return domain.Frame{}, domain.ErrSessionBusy
	case domain.StateActive:
	default:
		state := s.state
		s.mu.Unlock()
		return domain.Frame{}, fmt.Errorf("cannot send prompt while session is %s", state)
	}

	frame := domain.Frame{Type: domain.FramePrompt, SessionID: s.id, ID: promptID}
	if s.security == domain.SecurityEncrypted {
		s.messageIndex++
		ciphertext, err := s.key.Encrypt(s.messageIndex, body)
		if err != nil {
			if errors.Is(err, domain.ErrKeyExpired) {
				s.state = domain.StateError
				s.mu.Unlock()
				s.teardown()
				s.log.Error("Session key expired, session moved to ERROR")
				return domain.Frame{}, domain.ErrKeyExpired
			}
			s.mu.Unlock()
			return domain.Frame{}, fmt.Errorf("encrypt prompt: %w", err)
		}
		frame.Ciphertext = ciphertext
	} else {
		frame.Payload = body
	}

	s.current = cur
	s.state = domain.StateStreaming
	s.mu.Unlock()
	return frame, nil
}

// handleFrame is the single decode boundary for host traffic. It runs on the
// transport's read goroutine. Chunk, completion and error frames must carry
// the in-flight prompt's ID: a late frame for an aborted prompt is dropped
// here, never attributed to (or billed against) whichever prompt is current.
func (s *session) handleFrame(f domain.Frame) {
	switch f.Type {
	case domain.FrameChunk:
		cur := s.matchPrompt(f.ID)
		if cur == nil {
			s.log.Debug("Dropped chunk for unknown prompt", "frame_id", f.ID)
			return
		}
		var chunk domain.ChunkPayload
		if err := s.openPayload(f, &chunk); err != nil {
			s.payloadFailure(err)
			return
		}
		cur.acc.AddChunk(chunk.Content)
		select {
		case cur.activity <- struct{}{}:
		default:
		}

	case domain.FrameCompletion:
		cur := s.matchPrompt(f.ID)
		if cur == nil {
			s.log.Warn("Dropped completion for unknown prompt", "frame_id", f.ID)
			return
		}
		var comp domain.CompletionPayload
		if err := s.openPayload(f, &comp); err != nil {
			s.payloadFailure(err)
			return
		}
		s.finishPrompt(cur, comp)

	case domain.FrameError:
		if f.ID != "" && s.matchPrompt(f.ID) == nil {
			s.log.Warn("Dropped error frame for unknown prompt", "frame_id", f.ID)
			return
		}
		var hostErr domain.ErrorPayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &hostErr); err != nil {
				hostErr = domain.ErrorPayload{Code: "malformed_error", Message: err.Error()}
			}
		}
		s.failPrompt(&domain.ProtocolError{Code: hostErr.Code, Message: hostErr.Message})

	case domain.FrameSessionInit, domain.FramePrompt:
		// Client-to-host frames; a host echoing them is misbehaving.
		s.failPrompt(&domain.ProtocolError{
			Code:    "unexpected_frame",
			Message: fmt.Sprintf("host sent client frame type %q", f.Type),
		})
	}
}

// openPayload decodes a host payload according to the session's transport
// mode, decrypting first for encrypted sessions.
func (s *session) openPayload(f domain.Frame, v any) error {
	var raw []byte
	if s.security == domain.SecurityEncrypted {
		if len(f.Ciphertext) == 0 {
			return &domain.ProtocolError{
				Code:    "missing_ciphertext",
				Message: "encrypted session received an unencrypted payload",
			}
		}
		plaintext, err := s.key.Decrypt(f.Ciphertext)
		if err != nil {
			return err
		}
		raw = plaintext
	} else {
		if len(f.Payload) == 0 {
			return &domain.ProtocolError{Code: "missing_payload", Message: "frame carries no payload"}
		}
		raw = f.Payload
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return &domain.ProtocolError{Code: "malformed_payload", Message: err.Error()}
	}
	return nil
}

// payloadFailure routes a decode failure: authentication or key-expiry
// failures are fatal for the session, protocol failures only for the prompt.
func (s *session) payloadFailure(err error) {
	var authErr *domain.AuthenticationError
	if errors.As(err, &authErr) || errors.Is(err, domain.ErrKeyExpired) {
		s.fail(err)
		return
	}
	s.failPrompt(err)
}

// matchPrompt returns the in-flight prompt only when the frame ID
// correlates to it.
func (s *session) matchPrompt(frameID string) *inflight {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || frameID != s.current.id {
		return nil
	}
	return s.current
}

// finishPrompt resolves the matched in-flight prompt from its completion
// frame and returns the session to ACTIVE.
func (s *session) finishPrompt(cur *inflight, comp domain.CompletionPayload) {
	s.mu.Lock()
	if s.current != cur {
		s.mu.Unlock()
		return
	}
	s.current = nil
	if s.state == domain.StateStreaming {
		s.state = domain.StateActive
	}
	s.mu.Unlock()

	text, tokenUsage := cur.acc.Complete(comp.Content, comp.TokensUsed, comp.VLMTokens)
	deliver(cur, promptResult{text: text, usage: tokenUsage})
}

// failPrompt fails only the in-flight prompt; the session stays usable.
func (s *session) failPrompt(err error) {
	s.mu.Lock()
	cur := s.current
	s.current = nil
	if s.state == domain.StateStreaming {
		s.state = domain.StateActive
	}
	s.mu.Unlock()

	if cur == nil {
		s.log.Warn("Host error outside any prompt", "error", err)
		return
	}
	deliver(cur, promptResult{err: err})
}

// abortPrompt clears the in-flight prompt without delivering a result; the
// caller already has the error in hand. Nothing is billed.
func (s *session) abortPrompt(cur *inflight) {
	s.mu.Lock()
	if s.current == cur {
		s.current = nil
		if s.state == domain.StateStreaming {
			s.state = domain.StateActive
		}
	}
	s.mu.Unlock()
}

// fail moves the session to ERROR, fails any in-flight prompt, and destroys
// the key material. There is no partial-trust mode.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateError
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur != nil {
		deliver(cur, promptResult{err: err})
	}
	s.teardown()
	s.log.Error("Session moved to ERROR", "error", err)
}

// handleDisconnect reacts to transport drops. While STREAMING the protocol
// has no resumption token for partial token counts, so the session fails
// closed; while merely ACTIVE the transport recovers silently.
func (s *session) handleDisconnect(permanent bool) {
	s.mu.Lock()
	streaming := s.state == domain.StateStreaming
	s.mu.Unlock()

	if streaming {
		s.fail(&domain.ConnectionError{Op: "stream", Err: errStreamInterrupted})
		return
	}
	if permanent {
		s.fail(&domain.ConnectionError{Op: "reconnect", Err: errReconnectExhausted})
		return
	}
	s.log.Info("Transport dropped while idle, attempting silent recovery")
}

// handleReconnect re-announces the session so the host can reattach state
// after a silent recovery.
func (s *session) handleReconnect() {
	if err := s.sendInit(context.Background()); err != nil {
		s.log.Warn("Failed to re-announce session after reconnect", "error", err)
	}
}

// teardown closes the transport and zeroes the key.
func (s *session) teardown() {
	s.channel.Close()
	if s.key != nil {
		s.key.Zero()
	}
}

// destroy tears the session down into a terminal state.
func (s *session) destroy(final domain.SessionState) {
	s.teardown()
	s.mu.Lock()
	s.state = final
	s.mu.Unlock()
}

// snapshot returns the caller-facing view of the session.
func (s *session) snapshot() *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &domain.Session{
		SessionID:    s.id,
		JobID:        s.jobID,
		ChainID:      s.chainID,
		Model:        s.model,
		Security:     s.security,
		State:        s.state,
		StateName:    s.state.String(),
		MessageIndex: s.messageIndex,
		TotalTokens:  s.eng.tracker.Total(s.id),
		CreatedAt:    s.createdAt,
	}
	if s.key != nil {
		snap.KeyExpiresAt = s.key.ExpiresAt()
	}
	return snap
}
