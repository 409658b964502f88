package costguard

import (
	"context"
	"time"
)

// UsageRecord is an append-only ledger entry for one admission decision.
// Actual is back-filled once real usage is known; the transition from absent
// to present happens at most once.
type UsageRecord struct {
	RequestID string        `json:"request_id"`
	UserID    string        `json:"user_id"`
	Timestamp time.Time     `json:"timestamp"`
	Estimated CostEstimate  `json:"estimated"`
	Actual    *CostEstimate `json:"actual,omitempty"`
	Approved  bool          `json:"approved"`
}

// EffectiveCost returns the actual cost when known, the estimate otherwise.
func (r UsageRecord) EffectiveCost() float64 {
	if r.Actual != nil {
		return r.Actual.TotalCost
	}
	return r.Estimated.TotalCost
}

// Ledger is the append-only record of usage per request. It is the only
// shared mutable resource in the core; implementations must serialize
// appends, and readers may see a slightly stale view. Spend queries sum
// only approved records, preferring actual cost over the estimate.
//
// Retention is an implementation concern, but a Ledger must answer spend
// queries over at least the trailing 24h (user) and 1h (site) windows.
type Ledger interface {
	// Append stores a new record. Returns ErrDuplicateRequest if a record
	// with the same request id already exists.
	Append(ctx context.Context, rec UsageRecord) error

	// SetActual back-fills the actual cost for an existing record.
	// Returns ErrUnknownRequest if no record exists, ErrActualAlreadySet
	// if the actual cost was already recorded.
	SetActual(ctx context.Context, requestID string, actual CostEstimate) error

	// UserSpend returns the approved spend for a user since the given time.
	UserSpend(ctx context.Context, userID string, since time.Time) (float64, error)

	// SiteSpend returns the approved spend across all users since the given time.
	SiteSpend(ctx context.Context, since time.Time) (float64, error)

	// Records returns up to limit records, newest first, optionally filtered
	// by user id (empty means all users).
	Records(ctx context.Context, userID string, limit int) ([]UsageRecord, error)

	// RecordsBetween returns all records with start <= timestamp < end.
	RecordsBetween(ctx context.Context, start, end time.Time) ([]UsageRecord, error)
}
