// Package deepseek provides a Transport and CapabilityProber for the
// DeepSeek API (OpenAI-compatible).
package deepseek

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/veldtchat/costguard"
)

const defaultBaseURL = "https://api.deepseek.com/v1"

// Client is a DeepSeek API adapter. It implements both costguard.Transport
// and costguard.CapabilityProber.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var (
	_ costguard.Transport        = (*Client)(nil)
	_ costguard.CapabilityProber = (*Client)(nil)
)

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a DeepSeek client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiRequest is the chat completion request format.
type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// apiResponse is the chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int        `json:"index"`
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens          int64 `json:"prompt_tokens"`
		CompletionTokens      int64 `json:"completion_tokens"`
		TotalTokens           int64 `json:"total_tokens"`
		CompletionTokensDetail struct {
			ReasoningTokens int64 `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	} `json:"usage"`
}

// Generate performs one generation call.
func (c *Client) Generate(ctx context.Context, req costguard.TransportRequest) (costguard.Generation, error) {
	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}
	body := apiRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return costguard.Generation{}, fmt.Errorf("deepseek: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return costguard.Generation{}, fmt.Errorf("deepseek: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return costguard.Generation{}, fmt.Errorf("%w: %v", costguard.ErrTransportFailed, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return costguard.Generation{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return costguard.Generation{}, fmt.Errorf("deepseek: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return costguard.Generation{}, fmt.Errorf("deepseek: empty choices in response")
	}

	return costguard.Generation{
		ID:           resp.ID,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: costguard.ParseFinishReason(resp.Choices[0].FinishReason),
		Model:        resp.Model,
		Usage: costguard.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			ReasoningTokens:  resp.Usage.CompletionTokensDetail.ReasoningTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// modelsResponse is the /models listing format.
type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ProbeCapability verifies the model is served by the API and returns its
// operating limits. The listing endpoint carries no limit metadata, so
// limits come from the client's own family table; the probe confirms the
// model exists and the credential works.
func (c *Client) ProbeCapability(ctx context.Context, model string) (costguard.ModelCapability, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return costguard.ModelCapability{}, fmt.Errorf("deepseek: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return costguard.ModelCapability{}, fmt.Errorf("%w: %v", costguard.ErrProbeFailed, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return costguard.ModelCapability{}, fmt.Errorf("%w: %v", costguard.ErrProbeFailed, err)
	}

	var resp modelsResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return costguard.ModelCapability{}, fmt.Errorf("%w: decode models: %v", costguard.ErrProbeFailed, err)
	}

	for _, m := range resp.Data {
		if m.ID == model {
			return familyCapability(model)
		}
	}
	return costguard.ModelCapability{}, fmt.Errorf("%w: model %q not served", costguard.ErrProbeFailed, model)
}

// familyCapability returns known operating limits per DeepSeek model family.
func familyCapability(model string) (costguard.ModelCapability, error) {
	switch {
	case strings.HasPrefix(model, "deepseek-reasoner"):
		return costguard.ModelCapability{
			Model:             model,
			ContextWindow:     65536,
			MaxOutputTokens:   32768,
			SupportsReasoning: true,
			RateLimit:         costguard.RateLimit{RequestsPerSecond: 5, TokensPerMinute: 300000},
			Pricing:           costguard.Pricing{InputPer1K: 0.00055, OutputPer1K: 0.00219, ReasoningPer1K: 0.00219, Currency: "USD"},
		}, nil
	case strings.HasPrefix(model, "deepseek-chat"):
		return costguard.ModelCapability{
			Model:           model,
			ContextWindow:   65536,
			MaxOutputTokens: 8192,
			RateLimit:       costguard.RateLimit{RequestsPerSecond: 10, TokensPerMinute: 600000},
			Pricing:         costguard.Pricing{InputPer1K: 0.00027, OutputPer1K: 0.0011, Currency: "USD"},
		}, nil
	default:
		return costguard.ModelCapability{}, fmt.Errorf("%w: unknown model family %q", costguard.ErrProbeFailed, model)
	}
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", costguard.ErrInvalidArgument, string(body))
	default:
		return fmt.Errorf("%w: status %d: %s", costguard.ErrTransportFailed, resp.StatusCode, string(body))
	}
}
