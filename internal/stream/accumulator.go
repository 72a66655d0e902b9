// Package stream buffers incremental response chunks and resolves the final
// text and token usage once a completion signal arrives.
package stream

import (
	"strings"
	"sync"

	"github.com/ashureev/hostlink/internal/domain"
)

// Accumulator collects one prompt's response. Both delivery modes produce
// the same output contract: streamed chunks followed by a completion frame,
// or a single completion frame carrying the whole text.
type Accumulator struct {
	mu      sync.Mutex
	chunks  int
	text    strings.Builder
	done    bool
	onToken func(string)
}

// New creates an accumulator. onToken, when non-nil, is invoked once per
// chunk in arrival order; delivery is best-effort across reconnects.
func New(onToken func(string)) *Accumulator {
	return &Accumulator{onToken: onToken}
}

// AddChunk appends one incremental fragment. Chunks arriving after
// completion are ignored; the prompt's accounting is already resolved.
func (a *Accumulator) AddChunk(content string) {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return
	}
	a.chunks++
	a.text.WriteString(content)
	cb := a.onToken
	a.mu.Unlock()

	if cb != nil {
		cb(content)
	}
}

// ChunkCount returns the number of chunks received so far.
func (a *Accumulator) ChunkCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunks
}

// Complete resolves the final text and usage from a completion frame.
// Hosts that report explicit token counts are taken at their word; hosts
// that do not still yield a usable approximation from the chunk count. A
// negative explicit count is treated as absent, so a misbehaving host can
// never push a usage component below zero. finalContent is non-empty only
// in non-streaming delivery.
func (a *Accumulator) Complete(finalContent string, tokensUsed, vlmTokens *int) (string, domain.TokenUsage) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.done = true
	if finalContent != "" {
		a.text.WriteString(finalContent)
	}

	llm := a.chunks
	if tokensUsed != nil && *tokensUsed >= 0 {
		llm = *tokensUsed
	}
	vlm := 0
	if vlmTokens != nil && *vlmTokens >= 0 {
		vlm = *vlmTokens
	}

	return a.text.String(), domain.TokenUsage{
		LLMTokens:   llm,
		VLMTokens:   vlm,
		TotalTokens: llm + vlm,
	}
}
