package store

import (
	"context"
	"fmt"
	"time"
)

// CountDownloads counts downloads by userID at or after since.
func (s *Store) CountDownloads(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM downloads WHERE user_id = ? AND created_at >= ?`,
		userID, formatTime(since),
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count downloads: %w", err)
	}
	return count, nil
}

// RecordDownload inserts a download record when the user has fewer than limit
// downloads at or after since. The count and insert run as one statement so
// concurrent requests cannot all observe a count below the limit. A negative
// limit records unconditionally. It reports whether the record was written.
func (s *Store) RecordDownload(ctx context.Context, d Download, since time.Time, limit int) (bool, error) {
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if limit < 0 {
		if err := s.execWithoutResultRetry(ctx,
			`INSERT INTO downloads (batch_id, user_id, origin, created_at) VALUES (?, ?, ?, ?)`,
			d.BatchID, d.UserID, nullableString(d.Origin), formatTime(created),
		); err != nil {
			return false, fmt.Errorf("record download: %w", err)
		}
		return true, nil
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO downloads (batch_id, user_id, origin, created_at)
         SELECT ?, ?, ?, ?
         WHERE (SELECT COUNT(1) FROM downloads WHERE user_id = ? AND created_at >= ?) < ?`,
		d.BatchID, d.UserID, nullableString(d.Origin), formatTime(created),
		d.UserID, formatTime(since), limit,
	)
	if err != nil {
		return false, fmt.Errorf("record download: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record download: %w", err)
	}
	return n == 1, nil
}
