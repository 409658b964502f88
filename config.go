package costguard

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level governance configuration.
type Config struct {
	// Enforcement gates budget checks; when false, Preflight always allows.
	Enforcement bool `yaml:"enforcement"`
	// ContinuationEnabled gates the continuation engine outright.
	ContinuationEnabled bool `yaml:"continuation_enabled"`

	Ceilings     CeilingsConfig     `yaml:"ceilings"`
	Continuation ContinuationConfig `yaml:"continuation"`
	Capability   CapabilityConfig   `yaml:"capability"`
	Models       []ModelConfig      `yaml:"models"`
}

// CeilingsConfig configures the three spend ceilings, in currency units.
type CeilingsConfig struct {
	PerRequest float64 `yaml:"per_request"`
	UserDaily  float64 `yaml:"user_daily"`
	SiteHourly float64 `yaml:"site_hourly"`
}

// ContinuationConfig configures the continuation policy knobs.
type ContinuationConfig struct {
	MaxSegments         int     `yaml:"max_segments"`
	MaxTokensPerSegment int64   `yaml:"max_tokens_per_segment"`
	OverlapTokens       int64   `yaml:"overlap_tokens"`
	SummaryThreshold    float64 `yaml:"summary_threshold"`
}

// CapabilityConfig configures the capability registry.
type CapabilityConfig struct {
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
	CacheTTLSeconds     int `yaml:"cache_ttl_seconds"`
}

// ProbeTimeout returns the probe timeout as a duration.
func (c CapabilityConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// CacheTTL returns the cache TTL as a duration.
func (c CapabilityConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ModelConfig overrides or adds a fallback capability entry.
type ModelConfig struct {
	Name              string  `yaml:"name"`
	ContextWindow     int64   `yaml:"context_window"`
	MaxOutputTokens   int64   `yaml:"max_output_tokens"`
	SupportsReasoning bool    `yaml:"supports_reasoning"`
	InputPer1K        float64 `yaml:"input_per_1k"`
	OutputPer1K       float64 `yaml:"output_per_1k"`
	ReasoningPer1K    float64 `yaml:"reasoning_per_1k"`
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() Config {
	ceilings := DefaultCeilings()
	strategy := DefaultStrategy()
	return Config{
		Enforcement:         true,
		ContinuationEnabled: true,
		Ceilings: CeilingsConfig{
			PerRequest: ceilings.PerRequest,
			UserDaily:  ceilings.UserDaily,
			SiteHourly: ceilings.SiteHourly,
		},
		Continuation: ContinuationConfig{
			MaxSegments:         strategy.MaxSegments,
			MaxTokensPerSegment: strategy.MaxTokensPerSegment,
			OverlapTokens:       strategy.OverlapTokens,
			SummaryThreshold:    strategy.SummaryThreshold,
		},
		Capability: CapabilityConfig{
			ProbeTimeoutSeconds: int(defaultProbeTimeout / time.Second),
			CacheTTLSeconds:     int(defaultCapabilityTTL / time.Second),
		},
	}
}

// LoadConfig reads and parses a YAML config file over the defaults.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("costguard: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("costguard: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Ceilings.PerRequest <= 0 {
		return fmt.Errorf("costguard: config: ceilings.per_request must be positive")
	}
	if c.Ceilings.UserDaily <= 0 {
		return fmt.Errorf("costguard: config: ceilings.user_daily must be positive")
	}
	if c.Ceilings.SiteHourly <= 0 {
		return fmt.Errorf("costguard: config: ceilings.site_hourly must be positive")
	}
	if c.Continuation.MaxSegments < 1 {
		return fmt.Errorf("costguard: config: continuation.max_segments must be >= 1")
	}
	if c.Continuation.MaxTokensPerSegment < 1 {
		return fmt.Errorf("costguard: config: continuation.max_tokens_per_segment must be >= 1")
	}
	if c.Continuation.OverlapTokens < 0 {
		return fmt.Errorf("costguard: config: continuation.overlap_tokens must not be negative")
	}
	if c.Continuation.SummaryThreshold <= 0 || c.Continuation.SummaryThreshold > 1 {
		return fmt.Errorf("costguard: config: continuation.summary_threshold must be in (0, 1]")
	}
	if c.Capability.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("costguard: config: capability.probe_timeout_seconds must be positive")
	}
	if c.Capability.CacheTTLSeconds <= 0 {
		return fmt.Errorf("costguard: config: capability.cache_ttl_seconds must be positive")
	}

	names := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("costguard: config: models[%d]: name is required", i)
		}
		if names[m.Name] {
			return fmt.Errorf("costguard: config: duplicate model %q", m.Name)
		}
		names[m.Name] = true
		if m.ContextWindow <= 0 {
			return fmt.Errorf("costguard: config: models[%d] (%s): context_window must be positive", i, m.Name)
		}
		if m.MaxOutputTokens <= 0 {
			return fmt.Errorf("costguard: config: models[%d] (%s): max_output_tokens must be positive", i, m.Name)
		}
		if m.InputPer1K < 0 || m.OutputPer1K < 0 || m.ReasoningPer1K < 0 {
			return fmt.Errorf("costguard: config: models[%d] (%s): pricing must not be negative", i, m.Name)
		}
	}

	return nil
}

// CeilingValues converts the ceilings section into guardian ceilings.
func (c Config) CeilingValues() Ceilings {
	return Ceilings{
		PerRequest: c.Ceilings.PerRequest,
		UserDaily:  c.Ceilings.UserDaily,
		SiteHourly: c.Ceilings.SiteHourly,
	}
}

// Strategy converts the continuation section into an engine strategy.
func (c Config) Strategy() ContinuationStrategy {
	return ContinuationStrategy{
		Mode:                ModeNormal,
		MaxTokensPerSegment: c.Continuation.MaxTokensPerSegment,
		OverlapTokens:       c.Continuation.OverlapTokens,
		MaxSegments:         c.Continuation.MaxSegments,
		SummaryThreshold:    c.Continuation.SummaryThreshold,
	}
}

// FallbackCapabilities converts the models section into registry fallback
// entries.
func (c Config) FallbackCapabilities() []ModelCapability {
	caps := make([]ModelCapability, 0, len(c.Models))
	for _, m := range c.Models {
		caps = append(caps, ModelCapability{
			Model:             m.Name,
			ContextWindow:     m.ContextWindow,
			MaxOutputTokens:   m.MaxOutputTokens,
			SupportsReasoning: m.SupportsReasoning,
			Pricing: Pricing{
				InputPer1K:     m.InputPer1K,
				OutputPer1K:    m.OutputPer1K,
				ReasoningPer1K: m.ReasoningPer1K,
				Currency:       "USD",
			},
		})
	}
	return caps
}
