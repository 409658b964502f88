package meter

import "github.com/veldtchat/costguard"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ costguard.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnPreflight(costguard.PreflightEvent) {}
func (m *NoopMeter) OnUsage(costguard.UsageEvent)         {}
func (m *NoopMeter) OnSegment(costguard.SegmentEvent)     {}
func (m *NoopMeter) OnProbe(costguard.ProbeEvent)         {}
