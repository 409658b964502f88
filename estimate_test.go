package costguard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cg "github.com/veldtchat/costguard"
)

func pricedCapability() cg.ModelCapability {
	return cg.ModelCapability{
		Model:           "test-model",
		ContextWindow:   128000,
		MaxOutputTokens: 8192,
		Pricing: cg.Pricing{
			InputPer1K:  0.001,
			OutputPer1K: 0.002,
			Currency:    "USD",
		},
	}
}

// Test 1: Cost is linear in token counts and itemized
func TestEstimateCost_Linear(t *testing.T) {
	est, err := cg.EstimateCost(pricedCapability(), 1000, 2000, 0)
	require.NoError(t, err)

	assert.InDelta(t, 0.001, est.InputCost, 1e-9)
	assert.InDelta(t, 0.004, est.OutputCost, 1e-9)
	assert.InDelta(t, 0.0, est.ReasoningCost, 1e-9)
	assert.InDelta(t, 0.005, est.TotalCost, 1e-9)
	assert.Equal(t, "USD", est.Currency)

	// Doubling the tokens doubles the cost.
	double, err := cg.EstimateCost(pricedCapability(), 2000, 4000, 0)
	require.NoError(t, err)
	assert.InDelta(t, est.TotalCost*2, double.TotalCost, 1e-9)
}

// Test 2: Reasoning tokens are billed as a separate component
func TestEstimateCost_ReasoningTokens(t *testing.T) {
	capability := pricedCapability()
	capability.Pricing.ReasoningPer1K = 0.004

	est, err := cg.EstimateCost(capability, 1000, 1000, 500)
	require.NoError(t, err)

	assert.InDelta(t, 0.002, est.ReasoningCost, 1e-9)
	assert.InDelta(t, est.InputCost+est.OutputCost+est.ReasoningCost, est.TotalCost, 1e-9)
}

// Test 3: Zero tokens cost exactly zero
func TestEstimateCost_ZeroTokens(t *testing.T) {
	est, err := cg.EstimateCost(pricedCapability(), 0, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, est.TotalCost)
}

// Test 4: Negative token counts are rejected
func TestEstimateCost_NegativeTokens(t *testing.T) {
	for _, tc := range []struct {
		name              string
		in, out, reasoning int64
	}{
		{"input", -1, 0, 0},
		{"output", 0, -1, 0},
		{"reasoning", 0, 0, -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cg.EstimateCost(pricedCapability(), tc.in, tc.out, tc.reasoning)
			assert.ErrorIs(t, err, cg.ErrInvalidArgument)
		})
	}
}

// Test 5: Missing currency defaults to USD
func TestEstimateCost_DefaultCurrency(t *testing.T) {
	capability := pricedCapability()
	capability.Pricing.Currency = ""

	est, err := cg.EstimateCost(capability, 100, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, "USD", est.Currency)
}

// Test 6: Message token estimation includes per-message and base overhead
func TestEstimateTokens(t *testing.T) {
	// 8 chars -> 2 tokens, +4 message overhead, +3 base.
	got := cg.EstimateTokens([]cg.Message{{Role: "user", Content: "abcdefgh"}})
	assert.Equal(t, int64(9), got)

	// Empty input still carries the base overhead.
	assert.Equal(t, int64(3), cg.EstimateTokens(nil))
}

// Test 7: Content token estimation has no overhead
func TestEstimateContentTokens(t *testing.T) {
	assert.Equal(t, int64(25), cg.EstimateContentTokens(string(make([]byte, 100))))
	assert.Zero(t, cg.EstimateContentTokens(""))
}
