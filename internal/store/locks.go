package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireUnitLock takes the advisory consensus lock for unitID on behalf of
// owner until now+ttl. An expired lock held by someone else is taken over. It
// reports false without error when another owner holds a live lock.
func (s *Store) AcquireUnitLock(ctx context.Context, unitID int64, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.execWithRetry(ctx,
		`INSERT INTO unit_locks (unit_id, owner, expires_at) VALUES (?, ?, ?)
         ON CONFLICT(unit_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
         WHERE unit_locks.expires_at <= ? OR unit_locks.owner = excluded.owner`,
		unitID, owner, formatTime(now.Add(ttl)), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire unit lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire unit lock: %w", err)
	}
	return n == 1, nil
}

// ReleaseUnitLock drops the lock if owner still holds it.
func (s *Store) ReleaseUnitLock(ctx context.Context, unitID int64, owner string) error {
	if err := s.execWithoutResultRetry(ctx,
		`DELETE FROM unit_locks WHERE unit_id = ? AND owner = ?`, unitID, owner,
	); err != nil {
		return fmt.Errorf("release unit lock: %w", err)
	}
	return nil
}
