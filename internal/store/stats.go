package store

import (
	"context"
	"fmt"
)

// Stats gathers record counts for status displays and the alert monitor.
func (s *Store) Stats(ctx context.Context, reviewThreshold int) (Stats, error) {
	ctx = ensureContext(ctx)
	stats := Stats{
		Batches: make(map[BatchStatus]int),
		Tasks:   make(map[TaskStatus]int),
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1),
                COALESCE(SUM(CASE WHEN ready_for_export = 1 THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN consensus_failed_count >= ? AND COALESCE(review_status, '') = '' THEN 1 ELSE 0 END), 0)
         FROM units`, reviewThreshold,
	).Scan(&stats.Units, &stats.ReadyUnits, &stats.ReviewQueue); err != nil {
		return Stats{}, fmt.Errorf("unit stats: %w", err)
	}
	backlog, err := s.CountEligibleUnits(ctx, UnitFilter{})
	if err != nil {
		return Stats{}, err
	}
	stats.Backlog = backlog
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM candidates`).Scan(&stats.Candidates); err != nil {
		return Stats{}, fmt.Errorf("candidate stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM exported_units`).Scan(&stats.ExportedUnits); err != nil {
		return Stats{}, fmt.Errorf("exported stats: %w", err)
	}

	if err := s.groupCounts(ctx, `SELECT status, COUNT(1) FROM batches GROUP BY status`, func(status string, n int) {
		stats.Batches[BatchStatus(status)] = n
	}); err != nil {
		return Stats{}, fmt.Errorf("batch stats: %w", err)
	}
	if err := s.groupCounts(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`, func(status string, n int) {
		stats.Tasks[TaskStatus(status)] = n
	}); err != nil {
		return Stats{}, fmt.Errorf("task stats: %w", err)
	}
	return stats, nil
}

func (s *Store) groupCounts(ctx context.Context, query string, fn func(string, int)) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		fn(key, n)
	}
	return rows.Err()
}
