package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cg "github.com/veldtchat/costguard"
	"github.com/veldtchat/costguard/ledger"
)

func record(id, user string, ts time.Time, est float64, approved bool) cg.UsageRecord {
	return cg.UsageRecord{
		RequestID: id,
		UserID:    user,
		Timestamp: ts,
		Estimated: cg.CostEstimate{TotalCost: est, Currency: "USD"},
		Approved:  approved,
	}
}

// Test 1: Append is once per request id
func TestMemoryLedger_AppendDedup(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, l.Append(ctx, record("req-1", "alice", now, 0.10, true)))
	assert.ErrorIs(t, l.Append(ctx, record("req-1", "alice", now, 0.10, true)), cg.ErrDuplicateRequest)
}

// Test 2: Actual cost back-fills exactly once
func TestMemoryLedger_SetActual(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()

	assert.ErrorIs(t, l.SetActual(ctx, "nope", cg.CostEstimate{}), cg.ErrUnknownRequest)

	require.NoError(t, l.Append(ctx, record("req-1", "alice", time.Now(), 1.00, true)))
	require.NoError(t, l.SetActual(ctx, "req-1", cg.CostEstimate{TotalCost: 0.40}))
	assert.ErrorIs(t, l.SetActual(ctx, "req-1", cg.CostEstimate{TotalCost: 0.50}), cg.ErrActualAlreadySet)

	spend, err := l.UserSpend(ctx, "alice", time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 0.40, spend, 1e-9)
}

// Test 3: Spend sums approved records inside the window, per user and site-wide
func TestMemoryLedger_SpendWindows(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, l.Append(ctx, record("old", "alice", now.Add(-2*time.Hour), 1.00, true)))
	require.NoError(t, l.Append(ctx, record("recent-a", "alice", now.Add(-10*time.Minute), 0.30, true)))
	require.NoError(t, l.Append(ctx, record("recent-b", "bob", now.Add(-5*time.Minute), 0.20, true)))
	require.NoError(t, l.Append(ctx, record("denied", "alice", now, 5.00, false)))

	aliceHour, err := l.UserSpend(ctx, "alice", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.30, aliceHour, 1e-9)

	aliceDay, err := l.UserSpend(ctx, "alice", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 1.30, aliceDay, 1e-9)

	siteHour, err := l.SiteSpend(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.50, siteHour, 1e-9)
}

// Test 4: Records returns newest first with filter and limit
func TestMemoryLedger_Records(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, l.Append(ctx, record("r1", "alice", now.Add(-3*time.Minute), 0.1, true)))
	require.NoError(t, l.Append(ctx, record("r2", "bob", now.Add(-2*time.Minute), 0.2, true)))
	require.NoError(t, l.Append(ctx, record("r3", "alice", now.Add(-time.Minute), 0.3, true)))

	all, err := l.Records(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "r3", all[0].RequestID)
	assert.Equal(t, "r1", all[2].RequestID)

	alice, err := l.Records(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, "r3", alice[0].RequestID)

	limited, err := l.Records(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// Test 5: RecordsBetween is inclusive of start, exclusive of end
func TestMemoryLedger_RecordsBetween(t *testing.T) {
	l := ledger.NewMemoryLedger()
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	require.NoError(t, l.Append(ctx, record("before", "alice", base.Add(-time.Minute), 0.1, true)))
	require.NoError(t, l.Append(ctx, record("at-start", "alice", base, 0.2, true)))
	require.NoError(t, l.Append(ctx, record("inside", "alice", base.Add(30*time.Second), 0.3, true)))
	require.NoError(t, l.Append(ctx, record("at-end", "alice", base.Add(time.Minute), 0.4, true)))

	got, err := l.RecordsBetween(ctx, base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "at-start", got[0].RequestID)
	assert.Equal(t, "inside", got[1].RequestID)
}

// Test 6: Records past retention are pruned on append
func TestMemoryLedger_Retention(t *testing.T) {
	current := time.Now()
	l := ledger.NewMemoryLedger(
		ledger.WithRetention(time.Hour),
		ledger.WithClock(func() time.Time { return current }),
	)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, record("old", "alice", current.Add(-30*time.Minute), 1.0, true)))

	current = current.Add(2 * time.Hour)
	require.NoError(t, l.Append(ctx, record("fresh", "alice", current, 0.5, true)))

	all, err := l.Records(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "fresh", all[0].RequestID)

	// The pruned id can be appended again.
	require.NoError(t, l.Append(ctx, record("old", "alice", current, 0.2, true)))
}
