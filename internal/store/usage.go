package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IncrementUsage adds delta to the counter identified by metric and period.
func (s *Store) IncrementUsage(ctx context.Context, metric, period string, delta int64) error {
	if err := s.execWithoutResultRetry(ctx,
		`INSERT INTO usage_counters (metric, period, value, updated_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(metric, period) DO UPDATE SET value = value + excluded.value, updated_at = excluded.updated_at`,
		metric, period, delta, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("increment usage %s/%s: %w", metric, period, err)
	}
	return nil
}

// Usage reads a counter. Missing counters read as zero.
func (s *Store) Usage(ctx context.Context, metric, period string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT value FROM usage_counters WHERE metric = ? AND period = ?`, metric, period,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read usage %s/%s: %w", metric, period, err)
	}
	return value, nil
}
