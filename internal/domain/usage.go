package domain

// TokenUsage is the per-prompt accounting record produced once per completed
// prompt. Downstream settlement consumes it as billing input, so the shape is
// identical across streaming and non-streaming delivery.
type TokenUsage struct {
	LLMTokens   int `json:"llm_tokens"`
	VLMTokens   int `json:"vlm_tokens"`
	TotalTokens int `json:"total_tokens"`
}

// Valid reports whether the total matches the component counts.
func (u TokenUsage) Valid() bool {
	return u.TotalTokens == u.LLMTokens+u.VLMTokens
}
