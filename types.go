package costguard

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage represents token usage reported for a completed generation.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	ReasoningTokens  int64 `json:"reasoning_tokens,omitempty"`
	TotalTokens      int64 `json:"total_tokens"`
}

// FinishReason describes why a generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishOther         FinishReason = "other"
)

// ParseFinishReason maps a raw provider finish reason onto the known set.
// Anything unrecognized becomes FinishOther.
func ParseFinishReason(raw string) FinishReason {
	switch raw {
	case "stop", "length", "content_filter":
		return FinishReason(raw)
	default:
		return FinishOther
	}
}

// Terminal reports whether the finish reason ends a generation lineage.
// Only a length-limited finish is eligible for continuation.
func (f FinishReason) Terminal() bool {
	return f != FinishLength
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
