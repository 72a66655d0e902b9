// Package domain contains core domain types for the hostlink engine.
package domain

import (
	"time"
)

// SecurityMode selects the transport payload encoding for a session.
type SecurityMode string

const (
	// SecurityEncrypted end-to-end encrypts every prompt, chunk and
	// completion payload with the per-session key.
	SecurityEncrypted SecurityMode = "encrypted"

	// SecurityPlaintext sends structured payloads unencrypted. This is the
	// legacy host protocol and does not carry image attachments.
	SecurityPlaintext SecurityMode = "plaintext"
)

// Valid reports whether the mode is one of the supported values.
func (m SecurityMode) Valid() bool {
	return m == SecurityEncrypted || m == SecurityPlaintext
}

// SessionState is a lifecycle state of an inference session.
type SessionState int

const (
	StateInit SessionState = iota
	StateConnecting
	StateActive
	StateStreaming
	StateClosing
	StateClosed
	StateError
)

var stateNames = map[SessionState]string{
	StateInit:       "INIT",
	StateConnecting: "CONNECTING",
	StateActive:     "ACTIVE",
	StateStreaming:  "STREAMING",
	StateClosing:    "CLOSING",
	StateClosed:     "CLOSED",
	StateError:      "ERROR",
}

func (s SessionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateError
}

// VectorDatabase is an opaque handle to the external vector-storage
// collaborator. The engine forwards it to the host at session init and never
// inspects it.
type VectorDatabase struct {
	CID           string `json:"cid"`
	EncryptionKey string `json:"encryption_key"`
}

// Session is the caller-facing snapshot of one inference session. The live
// session state (key material, transport, in-flight prompt) is owned by the
// engine; a snapshot never grants mutation access.
type Session struct {
	SessionID    string       `json:"session_id"`
	JobID        string       `json:"job_id"`
	ChainID      int64        `json:"chain_id"`
	Model        string       `json:"model"`
	Security     SecurityMode `json:"security"`
	State        SessionState `json:"-"`
	StateName    string       `json:"state"`
	KeyExpiresAt time.Time    `json:"key_expires_at,omitempty"`
	MessageIndex uint64       `json:"message_index"`
	TotalTokens  int          `json:"total_tokens"`
	CreatedAt    time.Time    `json:"created_at"`
}
