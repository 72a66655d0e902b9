package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionBusy means a second prompt was submitted while one is in
	// flight. Prompts within a session are strictly serialized.
	ErrSessionBusy = errors.New("session busy: a prompt is already in flight")

	// ErrImagesNotSupported means attachments were supplied on a session
	// whose transport mode cannot carry them.
	ErrImagesNotSupported = errors.New("images are not supported on this session")

	// ErrSessionNotFound means the session ID is not in the registry.
	ErrSessionNotFound = errors.New("session not found")

	// ErrKeyExpired means the session key passed its TTL. The session moves
	// to ERROR rather than silently re-deriving.
	ErrKeyExpired = errors.New("session key expired")
)

// ValidationError reports malformed caller input. It is surfaced
// synchronously and never retried; no network I/O happens after one.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConnectionError reports an unreachable transport or an exhausted retry
// budget. Transient connection failures are absorbed by the transport's
// backoff; only the terminal failure reaches the caller.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// AuthenticationError reports an AEAD authentication failure. It is fatal
// and non-retriable: a failed tag signals tampering or a stale key, not a
// transient fault.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// ProtocolError reports an unexpected or malformed frame. It fails the
// current prompt but does not necessarily destroy the session.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error [%s]: %s", e.Code, e.Message)
}
