package domain

import (
	"encoding/json"
	"fmt"
)

// FrameType tags the closed set of messages exchanged with a host. Dispatch
// on frame types happens exhaustively at the decode boundary, never via
// scattered string comparisons.
type FrameType string

const (
	FrameSessionInit FrameType = "session_init"
	FramePrompt      FrameType = "prompt"
	FrameChunk       FrameType = "chunk"
	FrameCompletion  FrameType = "completion"
	FrameError       FrameType = "error"
)

// Known reports whether the type is part of the protocol.
func (t FrameType) Known() bool {
	switch t {
	case FrameSessionInit, FramePrompt, FrameChunk, FrameCompletion, FrameError:
		return true
	}
	return false
}

// Frame is the unit exchanged over the transport. Exactly one of Payload
// (plaintext sessions) or Ciphertext (encrypted sessions) is set; Ciphertext
// carries the nonce-prefixed AEAD box and marshals as base64.
type Frame struct {
	Type       FrameType       `json:"type"`
	SessionID  string          `json:"session_id,omitempty"`
	ID         string          `json:"id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Ciphertext []byte          `json:"ciphertext,omitempty"`
}

// DecodeFrame parses a wire message and rejects unknown frame types.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &ProtocolError{Code: "malformed_frame", Message: err.Error()}
	}
	if !f.Type.Known() {
		return Frame{}, &ProtocolError{
			Code:    "unknown_frame_type",
			Message: fmt.Sprintf("unexpected frame type %q", f.Type),
		}
	}
	return f, nil
}

// SessionInitPayload opens a session with the host. ClientPublicKey is set
// for encrypted sessions so the host can derive the shared session key.
// VectorDatabase, when present, delegates retrieval to the host; it is
// opaque to this engine.
type SessionInitPayload struct {
	SessionID       string          `json:"session_id"`
	JobID           string          `json:"job_id"`
	ChainID         int64           `json:"chain_id"`
	ClientPublicKey []byte          `json:"client_public_key,omitempty"`
	VectorDatabase  *VectorDatabase `json:"vector_database,omitempty"`
}

// PromptPayload is the generation request. Images is omitted, not empty,
// when the prompt carries no attachments.
type PromptPayload struct {
	Prompt      string            `json:"prompt"`
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	Temperature float64           `json:"temperature"`
	Stream      bool              `json:"stream"`
	Images      []ImageAttachment `json:"images,omitempty"`
}

// ChunkPayload is one incremental unit of a streamed response.
type ChunkPayload struct {
	Content string `json:"content"`
}

// CompletionPayload terminates a prompt. Token counts are optional; absent
// counts trigger the chunk-count fallback. Content carries the full response
// text in non-streaming delivery.
type CompletionPayload struct {
	Content    string `json:"content,omitempty"`
	TokensUsed *int   `json:"tokens_used,omitempty"`
	VLMTokens  *int   `json:"vlm_tokens,omitempty"`
}

// ErrorPayload is a host-reported failure for the in-flight prompt.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
