// Package mock provides a scriptable Transport for testing.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/veldtchat/costguard"
)

// Transport is a mock LLM transport for testing.
type Transport struct {
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	script       []costguard.Generation
	responseFunc func(costguard.TransportRequest) (costguard.Generation, error)
	usage        costguard.Usage
}

var _ costguard.Transport = (*Transport)(nil)

// Option configures a mock Transport.
type Option func(*Transport)

// New creates a mock transport with the given options.
func New(opts ...Option) *Transport {
	t := &Transport{
		usage: costguard.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(t *Transport) { t.latency = d }
}

// WithFailAfter makes the transport fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(t *Transport) { t.failAfter = n }
}

// WithError makes the transport always return this error.
func WithError(err error) Option {
	return func(t *Transport) { t.staticErr = err }
}

// WithUsage sets the usage returned by the default response.
func WithUsage(u costguard.Usage) Option {
	return func(t *Transport) { t.usage = u }
}

// WithScript sets a canned sequence of generations, one per call. The last
// entry repeats once the script is exhausted.
func WithScript(gens ...costguard.Generation) Option {
	return func(t *Transport) { t.script = gens }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(costguard.TransportRequest) (costguard.Generation, error)) Option {
	return func(t *Transport) { t.responseFunc = fn }
}

func (t *Transport) Generate(ctx context.Context, req costguard.TransportRequest) (costguard.Generation, error) {
	if t.latency > 0 {
		select {
		case <-time.After(t.latency):
		case <-ctx.Done():
			return costguard.Generation{}, ctx.Err()
		}
	}

	count := t.callCount.Add(1)

	if t.staticErr != nil {
		return costguard.Generation{}, t.staticErr
	}

	if t.failAfter > 0 && int(count) > t.failAfter {
		return costguard.Generation{}, costguard.ErrTransportFailed
	}

	if t.responseFunc != nil {
		return t.responseFunc(req)
	}

	if len(t.script) > 0 {
		idx := int(count) - 1
		if idx >= len(t.script) {
			idx = len(t.script) - 1
		}
		gen := t.script[idx]
		if gen.Model == "" {
			gen.Model = req.Model
		}
		return gen, nil
	}

	return costguard.Generation{
		ID:           "mock-generation-id",
		Content:      "Hello from mock transport",
		FinishReason: costguard.FinishStop,
		Usage:        t.usage,
		Model:        req.Model,
	}, nil
}

// CallCount returns the number of calls made to the transport.
func (t *Transport) CallCount() int64 { return t.callCount.Load() }
