// Package prom provides a Prometheus-backed Meter for costguard.
//
// Metric updates are fire-and-forget counter/histogram writes; they never
// fail the request path.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/veldtchat/costguard"
)

// Meter exports governance events as Prometheus metrics.
type Meter struct {
	preflights      *prometheus.CounterVec
	costUSD         *prometheus.CounterVec
	segments        *prometheus.CounterVec
	segmentDuration *prometheus.HistogramVec
	probes          *prometheus.CounterVec
}

var _ costguard.Meter = (*Meter)(nil)

// New creates a Meter registered against the given registerer.
// Pass prometheus.DefaultRegisterer for the default registry.
func New(reg prometheus.Registerer) *Meter {
	factory := promauto.With(reg)
	return &Meter{
		preflights: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costguard_preflights_total",
				Help: "Total number of admission decisions",
			},
			[]string{"model", "allowed", "severity"},
		),
		costUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costguard_cost_usd_total",
				Help: "Total recorded cost in USD",
			},
			[]string{"kind"}, // estimated or actual
		),
		segments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costguard_segments_total",
				Help: "Total number of continuation segment attempts",
			},
			[]string{"model", "mode", "result"},
		),
		segmentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "costguard_segment_duration_seconds",
				Help:    "Continuation segment duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
			},
			[]string{"model"},
		),
		probes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costguard_probes_total",
				Help: "Total number of capability probe attempts",
			},
			[]string{"model", "result"},
		),
	}
}

func (m *Meter) OnPreflight(e costguard.PreflightEvent) {
	m.preflights.WithLabelValues(e.Model, boolLabel(e.Allowed), e.Severity.String()).Inc()
}

func (m *Meter) OnUsage(e costguard.UsageEvent) {
	kind := "estimated"
	if e.Actual {
		kind = "actual"
	}
	if e.Cost > 0 {
		m.costUSD.WithLabelValues(kind).Add(e.Cost)
	}
}

func (m *Meter) OnSegment(e costguard.SegmentEvent) {
	result := "ok"
	switch {
	case e.Err != nil:
		result = "error"
	case !e.Allowed:
		result = "denied"
	}
	m.segments.WithLabelValues(e.Model, e.Mode.String(), result).Inc()
	if e.Duration > 0 {
		m.segmentDuration.WithLabelValues(e.Model).Observe(e.Duration.Seconds())
	}
}

func (m *Meter) OnProbe(e costguard.ProbeEvent) {
	result := "ok"
	if e.Err != nil {
		result = "error"
	}
	m.probes.WithLabelValues(e.Model, result).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
