// Package sqlite provides a SQLite-backed usage ledger for costguard.
//
// Records survive process restarts, which keeps the user-daily and
// site-hourly windows accurate across redeploys of the chat front-end.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veldtchat/costguard"
)

// Store is a SQLite-backed costguard.Ledger.
type Store struct {
	db *sql.DB
}

var _ costguard.Ledger = (*Store)(nil)

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	request_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	ts DATETIME NOT NULL,
	approved INTEGER NOT NULL,
	currency TEXT NOT NULL,
	est_input REAL NOT NULL,
	est_output REAL NOT NULL,
	est_reasoning REAL NOT NULL,
	est_total REAL NOT NULL,
	act_input REAL,
	act_output REAL,
	act_reasoning REAL,
	act_total REAL
);
CREATE INDEX IF NOT EXISTS idx_usage_user_ts ON usage_records(user_id, ts);
CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_records(ts);
`

// New opens (creating if needed) a SQLite ledger at the given path and runs
// auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("costguard: open ledger db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("costguard: migrate ledger db: %w", err)
	}

	return &Store{db: db}, nil
}

// Append stores a new record, rejecting duplicate request ids.
func (s *Store) Append(ctx context.Context, rec costguard.UsageRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO usage_records
		 (request_id, user_id, ts, approved, currency, est_input, est_output, est_reasoning, est_total)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.UserID, rec.Timestamp.UTC(), rec.Approved, rec.Estimated.Currency,
		rec.Estimated.InputCost, rec.Estimated.OutputCost, rec.Estimated.ReasoningCost, rec.Estimated.TotalCost,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	if n == 0 {
		return costguard.ErrDuplicateRequest
	}
	return nil
}

// SetActual back-fills the actual cost, once.
func (s *Store) SetActual(ctx context.Context, requestID string, actual costguard.CostEstimate) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE usage_records
		 SET act_input = ?, act_output = ?, act_reasoning = ?, act_total = ?
		 WHERE request_id = ? AND act_total IS NULL`,
		actual.InputCost, actual.OutputCost, actual.ReasoningCost, actual.TotalCost, requestID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM usage_records WHERE request_id = ?)`, requestID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	if !exists {
		return costguard.ErrUnknownRequest
	}
	return costguard.ErrActualAlreadySet
}

// UserSpend sums the approved spend for a user since the given time,
// preferring actual over estimated cost.
func (s *Store) UserSpend(ctx context.Context, userID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(COALESCE(act_total, est_total)), 0)
		 FROM usage_records WHERE user_id = ? AND approved = 1 AND ts >= ?`,
		userID, since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	return total, nil
}

// SiteSpend sums the approved spend across all users since the given time.
func (s *Store) SiteSpend(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(COALESCE(act_total, est_total)), 0)
		 FROM usage_records WHERE approved = 1 AND ts >= ?`,
		since.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	return total, nil
}

// Records returns up to limit records, newest first, optionally filtered by
// user id.
func (s *Store) Records(ctx context.Context, userID string, limit int) ([]costguard.UsageRecord, error) {
	query := `SELECT request_id, user_id, ts, approved, currency,
		 est_input, est_output, est_reasoning, est_total,
		 act_input, act_output, act_reasoning, act_total
		 FROM usage_records`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY ts DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// RecordsBetween returns all records with start <= ts < end.
func (s *Store) RecordsBetween(ctx context.Context, start, end time.Time) ([]costguard.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, user_id, ts, approved, currency,
		 est_input, est_output, est_reasoning, est_total,
		 act_input, act_output, act_reasoning, act_total
		 FROM usage_records WHERE ts >= ? AND ts < ? ORDER BY ts ASC`,
		start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Prune deletes records older than the given time. Retention housekeeping;
// callers should keep at least the trailing 24h.
func (s *Store) Prune(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE ts < ?`, before.UTC())
	if err != nil {
		return fmt.Errorf("%w: %v", costguard.ErrLedgerUnavailable, err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]costguard.UsageRecord, error) {
	var out []costguard.UsageRecord
	for rows.Next() {
		var (
			rec      costguard.UsageRecord
			currency string
			actIn    sql.NullFloat64
			actOut   sql.NullFloat64
			actReas  sql.NullFloat64
			actTotal sql.NullFloat64
		)
		if err := rows.Scan(
			&rec.RequestID, &rec.UserID, &rec.Timestamp, &rec.Approved, &currency,
			&rec.Estimated.InputCost, &rec.Estimated.OutputCost, &rec.Estimated.ReasoningCost, &rec.Estimated.TotalCost,
			&actIn, &actOut, &actReas, &actTotal,
		); err != nil {
			return nil, fmt.Errorf("costguard: scan usage record: %w", err)
		}
		rec.Estimated.Currency = currency
		if actTotal.Valid {
			rec.Actual = &costguard.CostEstimate{
				InputCost:     actIn.Float64,
				OutputCost:    actOut.Float64,
				ReasoningCost: actReas.Float64,
				TotalCost:     actTotal.Float64,
				Currency:      currency,
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
