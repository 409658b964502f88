package costguard

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimit describes a model's provider-side throughput limits.
type RateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	TokensPerMinute   int64   `json:"tokens_per_minute"`
}

// Pricing is per-1K-token pricing for the three token classes.
type Pricing struct {
	InputPer1K     float64 `json:"input_per_1k"`
	OutputPer1K    float64 `json:"output_per_1k"`
	ReasoningPer1K float64 `json:"reasoning_per_1k"`
	Currency       string  `json:"currency"`
}

// CapabilitySource records where a capability record came from.
type CapabilitySource int

const (
	SourceFallback CapabilitySource = iota
	SourceProbed
)

func (s CapabilitySource) String() string {
	switch s {
	case SourceProbed:
		return "probed"
	case SourceFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// ModelCapability is an immutable-per-fetch record of a model's operating
// limits and pricing. Replaced wholesale on refresh, never mutated in place.
type ModelCapability struct {
	Model             string           `json:"model"`
	ContextWindow     int64            `json:"context_window"`
	MaxOutputTokens   int64            `json:"max_output_tokens"`
	SupportsReasoning bool             `json:"supports_reasoning"`
	RateLimit         RateLimit        `json:"rate_limit"`
	Pricing           Pricing          `json:"pricing"`
	LastUpdated       time.Time        `json:"last_updated"`
	Source            CapabilitySource `json:"source"`
}

// CapabilityProber performs a live capability probe against the provider.
type CapabilityProber interface {
	ProbeCapability(ctx context.Context, model string) (ModelCapability, error)
}

const (
	defaultCapabilityTTL = 15 * time.Minute
	defaultProbeTimeout  = 3 * time.Second
)

// builtinFallbacks returns the static capability table used when probing
// fails or no prober is configured. Entries are always valid.
func builtinFallbacks() map[string]ModelCapability {
	return map[string]ModelCapability{
		"deepseek-chat": {
			Model:           "deepseek-chat",
			ContextWindow:   65536,
			MaxOutputTokens: 8192,
			RateLimit:       RateLimit{RequestsPerSecond: 10, TokensPerMinute: 600000},
			Pricing:         Pricing{InputPer1K: 0.00027, OutputPer1K: 0.0011, Currency: "USD"},
		},
		"deepseek-reasoner": {
			Model:             "deepseek-reasoner",
			ContextWindow:     65536,
			MaxOutputTokens:   32768,
			SupportsReasoning: true,
			RateLimit:         RateLimit{RequestsPerSecond: 5, TokensPerMinute: 300000},
			Pricing:           Pricing{InputPer1K: 0.00055, OutputPer1K: 0.00219, ReasoningPer1K: 0.00219, Currency: "USD"},
		},
	}
}

// defaultCapability is the conservative capability assumed for model names
// with no fallback entry. Priced like the most expensive known model so the
// guardian never under-estimates.
func defaultCapability(model string) ModelCapability {
	return ModelCapability{
		Model:           model,
		ContextWindow:   32768,
		MaxOutputTokens: 4096,
		RateLimit:       RateLimit{RequestsPerSecond: 1, TokensPerMinute: 60000},
		Pricing:         Pricing{InputPer1K: 0.00055, OutputPer1K: 0.00219, ReasoningPer1K: 0.00219, Currency: "USD"},
	}
}

// CapabilityRegistry resolves, caches, and falls back on per-model operating
// limits. Capabilities never fails: a probe error or an unknown model name
// yields a fallback entry instead.
type CapabilityRegistry struct {
	mu       sync.RWMutex
	cache    map[string]ModelCapability
	fallback map[string]ModelCapability

	prober       CapabilityProber
	ttl          time.Duration
	probeTimeout time.Duration
	breaker      *probeBreaker
	meter        Meter
	now          func() time.Time
}

// RegistryOption configures a CapabilityRegistry.
type RegistryOption func(*CapabilityRegistry)

// WithProber sets the live capability prober. Without one the registry
// serves the fallback table only.
func WithProber(p CapabilityProber) RegistryOption {
	return func(r *CapabilityRegistry) { r.prober = p }
}

// WithCapabilityTTL sets how long a fetched capability stays fresh.
func WithCapabilityTTL(ttl time.Duration) RegistryOption {
	return func(r *CapabilityRegistry) { r.ttl = ttl }
}

// WithProbeTimeout sets the per-probe timeout.
func WithProbeTimeout(d time.Duration) RegistryOption {
	return func(r *CapabilityRegistry) { r.probeTimeout = d }
}

// WithFallback adds or overrides static fallback entries.
func WithFallback(caps ...ModelCapability) RegistryOption {
	return func(r *CapabilityRegistry) {
		for _, c := range caps {
			r.fallback[c.Model] = c
		}
	}
}

// WithRegistryMeter sets the meter for probe events.
func WithRegistryMeter(m Meter) RegistryOption {
	return func(r *CapabilityRegistry) { r.meter = m }
}

// NewCapabilityRegistry creates a CapabilityRegistry.
func NewCapabilityRegistry(opts ...RegistryOption) *CapabilityRegistry {
	r := &CapabilityRegistry{
		cache:        make(map[string]ModelCapability),
		fallback:     builtinFallbacks(),
		ttl:          defaultCapabilityTTL,
		probeTimeout: defaultProbeTimeout,
		breaker:      newProbeBreaker(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.meter == nil {
		r.meter = noopMeter{}
	}
	return r
}

// Capabilities returns the operating limits for a model. Cached values are
// served while fresh; otherwise a live probe is attempted with a short
// timeout, falling back to the static table on any error. Never fails.
func (r *CapabilityRegistry) Capabilities(ctx context.Context, model string) ModelCapability {
	now := r.now()

	r.mu.RLock()
	cached, ok := r.cache[model]
	r.mu.RUnlock()
	if ok && now.Before(cached.LastUpdated.Add(r.ttl)) {
		return cached
	}

	if r.prober != nil && r.breaker.allow(now) {
		probed, err := r.probe(ctx, model)
		if err == nil {
			r.breaker.recordSuccess()
			r.mu.Lock()
			r.cache[model] = probed
			r.mu.Unlock()
			return probed
		}
		r.breaker.recordFailure(r.now())
	}

	// Serve a stale cached probe result over the static table if we have one.
	if ok && cached.Source == SourceProbed {
		return cached
	}

	fb := r.fallbackFor(model, now)
	r.mu.Lock()
	r.cache[model] = fb
	r.mu.Unlock()
	return fb
}

// Warmup pre-populates the cache for the given models.
func (r *CapabilityRegistry) Warmup(ctx context.Context, models ...string) {
	for _, m := range models {
		r.Capabilities(ctx, m)
	}
}

func (r *CapabilityRegistry) probe(ctx context.Context, model string) (ModelCapability, error) {
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	start := r.now()
	probed, err := r.prober.ProbeCapability(pctx, model)
	if err == nil && (probed.ContextWindow <= 0 || probed.MaxOutputTokens <= 0) {
		err = fmt.Errorf("%w: malformed probe response for %q", ErrProbeFailed, model)
	}
	r.meter.OnProbe(ProbeEvent{
		Model:    model,
		Source:   SourceProbed,
		Duration: r.now().Sub(start),
		Err:      err,
	})
	if err != nil {
		return ModelCapability{}, err
	}

	probed.Model = model
	probed.Source = SourceProbed
	probed.LastUpdated = r.now()
	return probed, nil
}

func (r *CapabilityRegistry) fallbackFor(model string, now time.Time) ModelCapability {
	fb, ok := r.fallback[model]
	if !ok {
		fb = defaultCapability(model)
	}
	fb.Model = model
	fb.Source = SourceFallback
	fb.LastUpdated = now
	return fb
}

// OptimalMaxTokens computes the output token budget for a request:
// min(requested, model max output, remaining context window), floored at 1.
// A requested value <= 0 means "as much as the model allows".
// Returns ErrInputTooLarge when the input alone fills the context window.
func OptimalMaxTokens(capability ModelCapability, inputTokens, requested int64) (int64, error) {
	if inputTokens < 0 {
		return 0, fmt.Errorf("%w: negative input tokens (%d)", ErrInvalidArgument, inputTokens)
	}
	if inputTokens >= capability.ContextWindow {
		return 0, fmt.Errorf("%w: %d input tokens vs %d context window for %q",
			ErrInputTooLarge, inputTokens, capability.ContextWindow, capability.Model)
	}

	budget := capability.ContextWindow - inputTokens
	if capability.MaxOutputTokens < budget {
		budget = capability.MaxOutputTokens
	}
	if requested > 0 && requested < budget {
		budget = requested
	}
	if budget < 1 {
		budget = 1
	}
	return budget, nil
}

const (
	probeFailureThreshold = 3
	probeFailureWindow    = 5 * time.Minute
	probeCooldown         = 30 * time.Second
)

// probeBreaker suppresses probing for a cooldown period after repeated
// failures, so an unreachable provider does not cost a probe timeout on
// every request.
type probeBreaker struct {
	mu       sync.Mutex
	failures []time.Time // sliding window of failure timestamps
	open     bool
	openedAt time.Time
}

func newProbeBreaker() *probeBreaker {
	return &probeBreaker{}
}

func (b *probeBreaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	// Half-open after the cooldown: allow a single trial probe.
	return now.Sub(b.openedAt) >= probeCooldown
}

func (b *probeBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.open = false
	b.failures = b.failures[:0]
}

func (b *probeBreaker) recordFailure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Prune failures outside the window.
	cutoff := now.Add(-probeFailureWindow)
	valid := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	b.failures = append(valid, now)

	if len(b.failures) >= probeFailureThreshold {
		b.open = true
		b.openedAt = now
	}
}
