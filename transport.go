package costguard

import "context"

// Transport is the interface to the LLM transport client. Implementations
// own the HTTP request, SSE parsing, and their own retry policy; the
// governance core only sees the finished segment.
type Transport interface {
	// Generate performs one generation call and returns the completed
	// content together with the finish reason and token usage.
	Generate(ctx context.Context, req TransportRequest) (Generation, error)
}

// TransportRequest is the request handed to the transport client.
type TransportRequest struct {
	Model    string
	Messages []Message

	Temperature *float64
	MaxTokens   *int
	Stream      bool
}

// Generation is the transport client's view of a completed generation.
type Generation struct {
	ID           string
	Content      string
	FinishReason FinishReason
	Usage        Usage
	Model        string
}
