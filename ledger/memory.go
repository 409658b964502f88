// Package ledger provides usage-ledger implementations for costguard.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/veldtchat/costguard"
)

const defaultRetention = 25 * time.Hour

// MemoryLedger is an in-memory, append-only usage ledger with a retention
// window. Suitable for tests and single-process deployments.
type MemoryLedger struct {
	mu        sync.RWMutex
	records   []costguard.UsageRecord
	index     map[string]int // request id -> position in records
	retention time.Duration
	now       func() time.Time
}

var _ costguard.Ledger = (*MemoryLedger)(nil)

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithRetention sets how long records are kept. Must cover at least the
// guardian's 24h user window; the default is 25h.
func WithRetention(d time.Duration) MemoryOption {
	return func(l *MemoryLedger) { l.retention = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLedger) { l.now = now }
}

// NewMemoryLedger creates an in-memory ledger.
func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	l := &MemoryLedger{
		index:     make(map[string]int),
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores a new record, rejecting duplicate request ids.
func (l *MemoryLedger) Append(_ context.Context, rec costguard.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune()

	if _, exists := l.index[rec.RequestID]; exists {
		return costguard.ErrDuplicateRequest
	}

	l.index[rec.RequestID] = len(l.records)
	l.records = append(l.records, rec)
	return nil
}

// SetActual back-fills the actual cost, once.
func (l *MemoryLedger) SetActual(_ context.Context, requestID string, actual costguard.CostEstimate) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[requestID]
	if !ok {
		return costguard.ErrUnknownRequest
	}
	if l.records[pos].Actual != nil {
		return costguard.ErrActualAlreadySet
	}
	l.records[pos].Actual = &actual
	return nil
}

// UserSpend sums the approved spend for a user since the given time.
func (l *MemoryLedger) UserSpend(_ context.Context, userID string, since time.Time) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total float64
	for _, rec := range l.records {
		if rec.Approved && rec.UserID == userID && !rec.Timestamp.Before(since) {
			total += rec.EffectiveCost()
		}
	}
	return total, nil
}

// SiteSpend sums the approved spend across all users since the given time.
func (l *MemoryLedger) SiteSpend(_ context.Context, since time.Time) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total float64
	for _, rec := range l.records {
		if rec.Approved && !rec.Timestamp.Before(since) {
			total += rec.EffectiveCost()
		}
	}
	return total, nil
}

// Records returns up to limit records, newest first, optionally filtered by
// user id.
func (l *MemoryLedger) Records(_ context.Context, userID string, limit int) ([]costguard.UsageRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []costguard.UsageRecord
	for i := len(l.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec := l.records[i]
		if userID != "" && rec.UserID != userID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecordsBetween returns all records with start <= timestamp < end.
func (l *MemoryLedger) RecordsBetween(_ context.Context, start, end time.Time) ([]costguard.UsageRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []costguard.UsageRecord
	for _, rec := range l.records {
		if !rec.Timestamp.Before(start) && rec.Timestamp.Before(end) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// prune drops records older than the retention window. Must be called with
// the write lock held. Records are appended in roughly chronological order,
// so dropping from the head is enough.
func (l *MemoryLedger) prune() {
	cutoff := l.now().Add(-l.retention)

	drop := 0
	for drop < len(l.records) && l.records[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}

	l.records = append([]costguard.UsageRecord(nil), l.records[drop:]...)
	l.index = make(map[string]int, len(l.records))
	for i, rec := range l.records {
		l.index[rec.RequestID] = i
	}
}
