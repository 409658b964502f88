//go:build integration

package redis_test

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/veldtchat/costguard"
	ledgerredis "github.com/veldtchat/costguard/ledger/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *ledgerredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := ledgerredis.New(client, ledgerredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func testRecord(id, user string, ts time.Time, est float64, approved bool) costguard.UsageRecord {
	return costguard.UsageRecord{
		RequestID: id,
		UserID:    user,
		Timestamp: ts,
		Estimated: costguard.CostEstimate{TotalCost: est, Currency: "USD"},
		Approved:  approved,
	}
}

func TestRedisLedger_AppendDedup(t *testing.T) {
	s := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	if err := s.Append(ctx, testRecord("req-1", "alice", time.Now(), 0.10, true)); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := s.Append(ctx, testRecord("req-1", "alice", time.Now(), 0.10, true))
	if !errors.Is(err, costguard.ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got %v", err)
	}
}

func TestRedisLedger_SetActualOnce(t *testing.T) {
	s := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	if err := s.SetActual(ctx, "nope", costguard.CostEstimate{}); !errors.Is(err, costguard.ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}

	if err := s.Append(ctx, testRecord("req-1", "alice", time.Now(), 1.00, true)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.SetActual(ctx, "req-1", costguard.CostEstimate{TotalCost: 0.40, Currency: "USD"}); err != nil {
		t.Fatalf("set actual: %v", err)
	}
	if err := s.SetActual(ctx, "req-1", costguard.CostEstimate{TotalCost: 0.50}); !errors.Is(err, costguard.ErrActualAlreadySet) {
		t.Fatalf("expected ErrActualAlreadySet, got %v", err)
	}

	spend, err := s.UserSpend(ctx, "alice", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("user spend: %v", err)
	}
	if math.Abs(spend-0.40) > 1e-9 {
		t.Fatalf("expected spend 0.40 (actual preferred), got %f", spend)
	}
}

func TestRedisLedger_SpendWindows(t *testing.T) {
	s := newTestStore(t, newTestClient(t))
	ctx := context.Background()
	now := time.Now()

	records := []costguard.UsageRecord{
		testRecord("old", "alice", now.Add(-2*time.Hour), 1.00, true),
		testRecord("recent-a", "alice", now.Add(-10*time.Minute), 0.30, true),
		testRecord("recent-b", "bob", now.Add(-5*time.Minute), 0.20, true),
		testRecord("denied", "alice", now, 5.00, false),
	}
	for _, rec := range records {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("append %s: %v", rec.RequestID, err)
		}
	}

	aliceHour, err := s.UserSpend(ctx, "alice", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("user spend: %v", err)
	}
	if math.Abs(aliceHour-0.30) > 1e-9 {
		t.Fatalf("expected alice hourly spend 0.30, got %f", aliceHour)
	}

	siteHour, err := s.SiteSpend(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("site spend: %v", err)
	}
	if math.Abs(siteHour-0.50) > 1e-9 {
		t.Fatalf("expected site hourly spend 0.50, got %f", siteHour)
	}
}

func TestRedisLedger_Records(t *testing.T) {
	s := newTestStore(t, newTestClient(t))
	ctx := context.Background()
	now := time.Now()

	for i, id := range []string{"r1", "r2", "r3"} {
		ts := now.Add(time.Duration(i-3) * time.Minute)
		if err := s.Append(ctx, testRecord(id, "alice", ts, 0.1, true)); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	all, err := s.Records(ctx, "", 0)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(all) != 3 || all[0].RequestID != "r3" {
		t.Fatalf("expected 3 records newest first, got %+v", all)
	}

	limited, err := s.Records(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 records, got %d", len(limited))
	}

	between, err := s.RecordsBetween(ctx, now.Add(-3*time.Minute), now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("records between: %v", err)
	}
	if len(between) != 2 {
		t.Fatalf("expected 2 records in range, got %d", len(between))
	}
}

func TestRedisLedger_IndexesExpire(t *testing.T) {
	client := newTestClient(t)
	s := newTestStore(t, client)
	ctx := context.Background()
	prefix := "test:" + t.Name() + ":"

	if err := s.Append(ctx, testRecord("req-1", "alice", time.Now(), 0.10, true)); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Both the per-user and the site index must age out with the records
	// they point at, or idle users leak index entries forever.
	for _, key := range []string{prefix + "user:alice", prefix + "site"} {
		ttl, err := client.TTL(ctx, key).Result()
		if err != nil {
			t.Fatalf("ttl %s: %v", key, err)
		}
		if ttl <= 0 {
			t.Fatalf("expected a positive TTL on %s, got %v", key, ttl)
		}
	}
}

func TestRedisLedger_ConcurrentAppends(t *testing.T) {
	s := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			errs <- s.Append(ctx, testRecord("same-id", "alice", time.Now(), 0.10, true))
		}()
	}

	var ok, dup int
	for i := 0; i < 10; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, costguard.ErrDuplicateRequest):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != 9 {
		t.Fatalf("expected exactly one winner, got ok=%d dup=%d", ok, dup)
	}
}
