package meter

import (
	"log/slog"

	"github.com/veldtchat/costguard"
)

// LogMeter logs governance events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ costguard.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnPreflight(e costguard.PreflightEvent) {
	if e.Allowed {
		m.Logger.Info("preflight",
			"user", e.UserID,
			"model", e.Model,
			"estimated_cost", e.EstimatedCost,
			"input_tokens", e.InputTokens,
			"output_tokens", e.OutputTokens,
		)
	} else {
		m.Logger.Warn("preflight_denied",
			"user", e.UserID,
			"model", e.Model,
			"severity", e.Severity.String(),
			"estimated_cost", e.EstimatedCost,
			"input_tokens", e.InputTokens,
			"output_tokens", e.OutputTokens,
		)
	}
}

func (m *LogMeter) OnUsage(e costguard.UsageEvent) {
	m.Logger.Info("usage",
		"request", e.RequestID,
		"user", e.UserID,
		"cost", e.Cost,
		"approved", e.Approved,
		"actual", e.Actual,
	)
}

func (m *LogMeter) OnSegment(e costguard.SegmentEvent) {
	if e.Err != nil {
		m.Logger.Warn("segment_error",
			"request", e.RequestID,
			"user", e.UserID,
			"model", e.Model,
			"segment", e.Segment,
			"mode", e.Mode.String(),
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Err,
		)
		return
	}
	m.Logger.Info("segment",
		"request", e.RequestID,
		"user", e.UserID,
		"model", e.Model,
		"segment", e.Segment,
		"mode", e.Mode.String(),
		"allowed", e.Allowed,
		"duration_ms", e.Duration.Milliseconds(),
		"prompt_tokens", e.Usage.PromptTokens,
		"completion_tokens", e.Usage.CompletionTokens,
	)
}

func (m *LogMeter) OnProbe(e costguard.ProbeEvent) {
	if e.Err != nil {
		// Probe failures are recovered by the fallback table; log only.
		m.Logger.Warn("probe_failed",
			"model", e.Model,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Err,
		)
		return
	}
	m.Logger.Info("probe",
		"model", e.Model,
		"source", e.Source.String(),
		"duration_ms", e.Duration.Milliseconds(),
	)
}
