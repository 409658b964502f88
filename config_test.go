package costguard_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cg "github.com/veldtchat/costguard"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "costguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// Test 1: Defaults are self-consistent and valid
func TestDefaultConfig(t *testing.T) {
	cfg := cg.DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.Enforcement)
	assert.True(t, cfg.ContinuationEnabled)
	assert.Equal(t, cg.DefaultCeilings(), cfg.CeilingValues())
	assert.Equal(t, cg.DefaultStrategy(), cfg.Strategy())
}

// Test 2: A config file overrides defaults and keeps the rest
func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
enforcement: true
continuation_enabled: false
ceilings:
  per_request: 0.25
  user_daily: 2.5
  site_hourly: 10.0
continuation:
  max_segments: 4
models:
  - name: deepseek-chat
    context_window: 131072
    max_output_tokens: 16384
    input_per_1k: 0.0003
    output_per_1k: 0.0012
`)

	cfg, err := cg.LoadConfig(path)
	require.NoError(t, err)

	assert.False(t, cfg.ContinuationEnabled)
	assert.InDelta(t, 0.25, cfg.Ceilings.PerRequest, 1e-9)
	assert.Equal(t, 4, cfg.Continuation.MaxSegments)
	// Untouched keys keep their defaults.
	assert.Equal(t, cg.DefaultStrategy().OverlapTokens, cfg.Continuation.OverlapTokens)
	assert.Equal(t, 3, cfg.Capability.ProbeTimeoutSeconds)

	caps := cfg.FallbackCapabilities()
	require.Len(t, caps, 1)
	assert.Equal(t, "deepseek-chat", caps[0].Model)
	assert.Equal(t, int64(131072), caps[0].ContextWindow)
	assert.InDelta(t, 0.0012, caps[0].Pricing.OutputPer1K, 1e-9)
	assert.Equal(t, "USD", caps[0].Pricing.Currency)
}

// Test 3: ${VAR} references are expanded before parsing
func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("COSTGUARD_USER_DAILY", "3.5")
	path := writeConfig(t, `
ceilings:
  user_daily: ${COSTGUARD_USER_DAILY}
`)

	cfg, err := cg.LoadConfig(path)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, cfg.Ceilings.UserDaily, 1e-9)
}

// Test 4: Missing files and malformed YAML are reported
func TestLoadConfig_Errors(t *testing.T) {
	_, err := cg.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = cg.LoadConfig(writeConfig(t, "ceilings: ["))
	assert.Error(t, err)
}

// Test 5: Validation rejects out-of-range values
func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*cg.Config)
	}{
		{"zero per-request ceiling", func(c *cg.Config) { c.Ceilings.PerRequest = 0 }},
		{"negative user ceiling", func(c *cg.Config) { c.Ceilings.UserDaily = -1 }},
		{"zero site ceiling", func(c *cg.Config) { c.Ceilings.SiteHourly = 0 }},
		{"zero segments", func(c *cg.Config) { c.Continuation.MaxSegments = 0 }},
		{"zero segment tokens", func(c *cg.Config) { c.Continuation.MaxTokensPerSegment = 0 }},
		{"negative overlap", func(c *cg.Config) { c.Continuation.OverlapTokens = -1 }},
		{"threshold above one", func(c *cg.Config) { c.Continuation.SummaryThreshold = 1.5 }},
		{"zero probe timeout", func(c *cg.Config) { c.Capability.ProbeTimeoutSeconds = 0 }},
		{"zero cache ttl", func(c *cg.Config) { c.Capability.CacheTTLSeconds = 0 }},
		{"unnamed model", func(c *cg.Config) {
			c.Models = []cg.ModelConfig{{ContextWindow: 1000, MaxOutputTokens: 100}}
		}},
		{"duplicate model", func(c *cg.Config) {
			m := cg.ModelConfig{Name: "m", ContextWindow: 1000, MaxOutputTokens: 100}
			c.Models = []cg.ModelConfig{m, m}
		}},
		{"zero context window", func(c *cg.Config) {
			c.Models = []cg.ModelConfig{{Name: "m", MaxOutputTokens: 100}}
		}},
		{"negative pricing", func(c *cg.Config) {
			c.Models = []cg.ModelConfig{{Name: "m", ContextWindow: 1000, MaxOutputTokens: 100, InputPer1K: -0.1}}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := cg.DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
