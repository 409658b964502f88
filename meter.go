package costguard

import "time"

// Meter observes governance events for monitoring/logging. Implementations
// are fire-and-forget: they must never fail the primary request path.
type Meter interface {
	// OnPreflight is called for every admission decision.
	OnPreflight(event PreflightEvent)

	// OnUsage is called when usage is recorded or actual cost back-filled.
	OnUsage(event UsageEvent)

	// OnSegment is called after each continuation segment attempt.
	OnSegment(event SegmentEvent)

	// OnProbe is called after each capability probe attempt.
	OnProbe(event ProbeEvent)
}

// PreflightEvent describes an admission decision.
type PreflightEvent struct {
	UserID        string
	Model         string
	Allowed       bool
	Severity      Severity
	EstimatedCost float64
	InputTokens   int64
	OutputTokens  int64
}

// UsageEvent describes a ledger write.
type UsageEvent struct {
	RequestID string
	UserID    string
	Cost      float64
	Approved  bool
	Actual    bool // true for an actual-cost back-fill
}

// SegmentEvent describes the outcome of one continuation segment.
type SegmentEvent struct {
	RequestID string
	UserID    string
	Model     string
	Segment   int
	Mode      ContinuationMode
	Allowed   bool
	Duration  time.Duration
	Usage     Usage
	Err       error
}

// ProbeEvent describes a capability probe attempt.
type ProbeEvent struct {
	Model    string
	Source   CapabilitySource
	Duration time.Duration
	Err      error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnPreflight(PreflightEvent) {}
func (noopMeter) OnUsage(UsageEvent)         {}
func (noopMeter) OnSegment(SegmentEvent)     {}
func (noopMeter) OnProbe(ProbeEvent)         {}
