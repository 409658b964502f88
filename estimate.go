package costguard

import "fmt"

// CostEstimate is an itemized cost breakdown for a candidate generation.
// Pure derived value, recomputed per request and per continuation segment.
type CostEstimate struct {
	InputCost     float64 `json:"input_cost"`
	OutputCost    float64 `json:"output_cost"`
	ReasoningCost float64 `json:"reasoning_cost"`
	TotalCost     float64 `json:"total_cost"`
	Currency      string  `json:"currency"`
}

// EstimateCost computes the itemized cost of a generation against a model's
// pricing. TotalCost is exactly the sum of the three components.
func EstimateCost(capability ModelCapability, inputTokens, outputTokens, reasoningTokens int64) (CostEstimate, error) {
	if inputTokens < 0 || outputTokens < 0 || reasoningTokens < 0 {
		return CostEstimate{}, fmt.Errorf("%w: negative token count (input=%d output=%d reasoning=%d)",
			ErrInvalidArgument, inputTokens, outputTokens, reasoningTokens)
	}

	currency := capability.Pricing.Currency
	if currency == "" {
		currency = "USD"
	}

	est := CostEstimate{
		InputCost:     float64(inputTokens) / 1000 * capability.Pricing.InputPer1K,
		OutputCost:    float64(outputTokens) / 1000 * capability.Pricing.OutputPer1K,
		ReasoningCost: float64(reasoningTokens) / 1000 * capability.Pricing.ReasoningPer1K,
		Currency:      currency,
	}
	est.TotalCost = est.InputCost + est.OutputCost + est.ReasoningCost
	return est, nil
}

// EstimateTokens provides a rough token count estimate for messages.
// Uses the approximation: ~4 chars per token + overhead per message.
func EstimateTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		// ~4 chars per token
		total += int64(len(m.Content)) / 4
		// overhead per message (role, formatting)
		total += 4
	}
	// base overhead for the request
	total += 3
	return total
}

// EstimateContentTokens estimates the token count of a single content blob,
// without per-message overhead.
func EstimateContentTokens(content string) int64 {
	return int64(len(content)) / 4
}
