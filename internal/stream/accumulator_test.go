package stream

import (
	"fmt"
	"testing"
)

func intPtr(v int) *int { return &v }

func TestComplete_ChunkCountFallbackWithVLMTokens(t *testing.T) {
	acc := New(nil)
	for i := 0; i < 130; i++ {
		acc.AddChunk("x")
	}

	_, usage := acc.Complete("", nil, intPtr(2873))

	if usage.LLMTokens != 130 {
		t.Errorf("LLMTokens = %d, want 130 (chunk count fallback)", usage.LLMTokens)
	}
	if usage.VLMTokens != 2873 {
		t.Errorf("VLMTokens = %d, want 2873", usage.VLMTokens)
	}
	if usage.TotalTokens != 3003 {
		t.Errorf("TotalTokens = %d, want 3003", usage.TotalTokens)
	}
	if !usage.Valid() {
		t.Error("usage total does not equal llm + vlm")
	}
}

func TestComplete_MissingVLMTokensMeansZero(t *testing.T) {
	acc := New(nil)
	acc.AddChunk("hello")

	_, usage := acc.Complete("", intPtr(42), nil)

	if usage.VLMTokens != 0 {
		t.Errorf("VLMTokens = %d, want 0", usage.VLMTokens)
	}
	if usage.LLMTokens != 42 {
		t.Errorf("LLMTokens = %d, want explicit 42 over chunk count", usage.LLMTokens)
	}
	if usage.TotalTokens != 42 {
		t.Errorf("TotalTokens = %d, want 42", usage.TotalTokens)
	}
}

func TestComplete_NegativeCountsTreatedAsAbsent(t *testing.T) {
	acc := New(nil)
	for i := 0; i < 7; i++ {
		acc.AddChunk("x")
	}

	_, usage := acc.Complete("", intPtr(-90), intPtr(-5))

	if usage.LLMTokens != 7 {
		t.Errorf("LLMTokens = %d, want chunk count 7 over negative explicit count", usage.LLMTokens)
	}
	if usage.VLMTokens != 0 {
		t.Errorf("VLMTokens = %d, want 0 over negative explicit count", usage.VLMTokens)
	}
	if usage.TotalTokens != 7 {
		t.Errorf("TotalTokens = %d, want 7", usage.TotalTokens)
	}
}

func TestComplete_AccumulatesTextInOrder(t *testing.T) {
	var tokens []string
	acc := New(func(tok string) {
		tokens = append(tokens, tok)
	})

	for i := 0; i < 3; i++ {
		acc.AddChunk(fmt.Sprintf("part%d ", i))
	}
	text, _ := acc.Complete("", nil, nil)

	if text != "part0 part1 part2 " {
		t.Errorf("text = %q", text)
	}
	if len(tokens) != 3 {
		t.Fatalf("onToken invoked %d times, want 3", len(tokens))
	}
	for i, tok := range tokens {
		if tok != fmt.Sprintf("part%d ", i) {
			t.Errorf("token %d = %q, out of order", i, tok)
		}
	}
}

func TestComplete_NonStreamingSingleFrame(t *testing.T) {
	acc := New(nil)

	text, usage := acc.Complete("the whole answer", intPtr(17), intPtr(3))

	if text != "the whole answer" {
		t.Errorf("text = %q", text)
	}
	if usage.LLMTokens != 17 || usage.VLMTokens != 3 || usage.TotalTokens != 20 {
		t.Errorf("usage = %+v, want 17/3/20", usage)
	}
}

func TestAddChunk_AfterCompleteIgnored(t *testing.T) {
	acc := New(nil)
	acc.AddChunk("a")
	text, _ := acc.Complete("", nil, nil)

	acc.AddChunk("stale")

	if got := acc.ChunkCount(); got != 1 {
		t.Errorf("ChunkCount = %d after post-completion chunk, want 1", got)
	}
	if text != "a" {
		t.Errorf("text = %q, want %q", text, "a")
	}
}

func TestComplete_NoChunksNoCounts(t *testing.T) {
	acc := New(nil)
	_, usage := acc.Complete("", nil, nil)

	if usage.TotalTokens != 0 || usage.LLMTokens != 0 || usage.VLMTokens != 0 {
		t.Errorf("usage = %+v, want all zero", usage)
	}
}
