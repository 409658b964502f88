// Package redis provides a Redis-backed usage ledger for costguard.
//
// Records are stored as hashes with sorted-set time indexes per user and
// site-wide. Appends and the once-only actual back-fill use Lua scripts,
// which makes the ledger safe for multi-instance deployments of the chat
// front-end.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/veldtchat/costguard"
)

const defaultRetention = 25 * time.Hour

// Store is a Redis-backed costguard.Ledger.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	retention time.Duration
}

var _ costguard.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "costguard:ledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithRetention sets how long records are kept (default 25h; must cover the
// guardian's 24h user window).
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New creates a new Redis-backed ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "costguard:ledger:",
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) recordKey(requestID string) string {
	return s.keyPrefix + "rec:" + requestID
}

func (s *Store) userKey(userID string) string {
	return s.keyPrefix + "user:" + userID
}

func (s *Store) siteKey() string {
	return s.keyPrefix + "site"
}

// appendScript stores a record and indexes it, atomically.
// KEYS[1] = record hash key
// KEYS[2] = user zset key
// KEYS[3] = site zset key
// ARGV[1] = request id
// ARGV[2] = user id
// ARGV[3] = timestamp (unix milli)
// ARGV[4] = approved ("1" or "0")
// ARGV[5] = estimate JSON
// ARGV[6] = retention seconds
// ARGV[7] = prune cutoff (unix milli)
//
// Returns 1 on success, 0 on duplicate request id.
var appendScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "user", ARGV[2], "ts", ARGV[3], "approved", ARGV[4], "est", ARGV[5])
redis.call("EXPIRE", KEYS[1], ARGV[6])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", ARGV[7])
redis.call("ZREMRANGEBYSCORE", KEYS[3], "-inf", ARGV[7])
redis.call("EXPIRE", KEYS[2], ARGV[6])
redis.call("EXPIRE", KEYS[3], ARGV[6])
return 1
`)

// setActualScript back-fills the actual cost exactly once.
// KEYS[1] = record hash key
// ARGV[1] = actual JSON
//
// Returns 1 on success, -1 when the record is unknown, -2 when the actual
// cost was already set.
var setActualScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return -1
end
if redis.call("HEXISTS", KEYS[1], "act") == 1 then
    return -2
end
redis.call("HSET", KEYS[1], "act", ARGV[1])
return 1
`)

// Append stores a new record, rejecting duplicate request ids.
func (s *Store) Append(ctx context.Context, rec costguard.UsageRecord) error {
	est, err := json.Marshal(rec.Estimated)
	if err != nil {
		return fmt.Errorf("costguard: marshal estimate: %w", err)
	}

	approved := "0"
	if rec.Approved {
		approved = "1"
	}
	ts := rec.Timestamp.UnixMilli()
	cutoff := time.Now().Add(-s.retention).UnixMilli()

	res, err := appendScript.Run(ctx, s.client,
		[]string{s.recordKey(rec.RequestID), s.userKey(rec.UserID), s.siteKey()},
		rec.RequestID, rec.UserID, ts, approved, est, int(s.retention.Seconds()), cutoff,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	if res == 0 {
		return costguard.ErrDuplicateRequest
	}
	return nil
}

// SetActual back-fills the actual cost, once.
func (s *Store) SetActual(ctx context.Context, requestID string, actual costguard.CostEstimate) error {
	act, err := json.Marshal(actual)
	if err != nil {
		return fmt.Errorf("costguard: marshal actual: %w", err)
	}

	res, err := setActualScript.Run(ctx, s.client, []string{s.recordKey(requestID)}, act).Int()
	if err != nil {
		return fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	switch res {
	case -1:
		return costguard.ErrUnknownRequest
	case -2:
		return costguard.ErrActualAlreadySet
	}
	return nil
}

// UserSpend sums the approved spend for a user since the given time.
func (s *Store) UserSpend(ctx context.Context, userID string, since time.Time) (float64, error) {
	ids, err := s.idsSince(ctx, s.userKey(userID), since)
	if err != nil {
		return 0, err
	}
	return s.sumApproved(ctx, ids)
}

// SiteSpend sums the approved spend across all users since the given time.
func (s *Store) SiteSpend(ctx context.Context, since time.Time) (float64, error) {
	ids, err := s.idsSince(ctx, s.siteKey(), since)
	if err != nil {
		return 0, err
	}
	return s.sumApproved(ctx, ids)
}

// Records returns up to limit records, newest first, optionally filtered by
// user id.
func (s *Store) Records(ctx context.Context, userID string, limit int) ([]costguard.UsageRecord, error) {
	key := s.siteKey()
	if userID != "" {
		key = s.userKey(userID)
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	return s.fetchRecords(ctx, ids)
}

// RecordsBetween returns all records with start <= timestamp < end.
func (s *Store) RecordsBetween(ctx context.Context, start, end time.Time) ([]costguard.UsageRecord, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.siteKey(), &goredis.ZRangeBy{
		Min: strconv.FormatInt(start.UnixMilli(), 10),
		Max: "(" + strconv.FormatInt(end.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	return s.fetchRecords(ctx, ids)
}

func (s *Store) idsSince(ctx context.Context, key string, since time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	return ids, nil
}

func (s *Store) sumApproved(ctx context.Context, ids []string) (float64, error) {
	var total float64
	for _, id := range ids {
		rec, ok, err := s.fetchRecord(ctx, id)
		if err != nil {
			return 0, err
		}
		// Record hash may have expired after the index lookup.
		if !ok || !rec.Approved {
			continue
		}
		total += rec.EffectiveCost()
	}
	return total, nil
}

func (s *Store) fetchRecords(ctx context.Context, ids []string) ([]costguard.UsageRecord, error) {
	var out []costguard.UsageRecord
	for _, id := range ids {
		rec, ok, err := s.fetchRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) fetchRecord(ctx context.Context, requestID string) (costguard.UsageRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(requestID)).Result()
	if err != nil {
		return costguard.UsageRecord{}, false, fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	if len(fields) == 0 {
		return costguard.UsageRecord{}, false, nil
	}

	ts, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return costguard.UsageRecord{}, false, fmt.Errorf("costguard: parse record timestamp: %w", err)
	}

	rec := costguard.UsageRecord{
		RequestID: requestID,
		UserID:    fields["user"],
		Timestamp: time.UnixMilli(ts).UTC(),
		Approved:  fields["approved"] == "1",
	}
	if err := json.Unmarshal([]byte(fields["est"]), &rec.Estimated); err != nil {
		return costguard.UsageRecord{}, false, fmt.Errorf("costguard: parse record estimate: %w", err)
	}
	if act, ok := fields["act"]; ok {
		var actual costguard.CostEstimate
		if err := json.Unmarshal([]byte(act), &actual); err != nil {
			return costguard.UsageRecord{}, false, fmt.Errorf("costguard: parse record actual: %w", err)
		}
		rec.Actual = &actual
	}
	return rec, true, nil
}
