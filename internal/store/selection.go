package store

import (
	"context"
	"fmt"
	"strings"
)

func eligibleWhere(filter UnitFilter) (string, []any) {
	clauses := []string{
		"ready_for_export = 1",
		"COALESCE(review_status, '') != 'rejected'",
		"NOT EXISTS (SELECT 1 FROM exported_units e WHERE e.unit_id = units.id)",
	}
	var args []any
	if filter.CreatedFrom != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(*filter.CreatedFrom))
	}
	if filter.CreatedTo != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(*filter.CreatedTo))
	}
	if filter.MinDuration != nil {
		clauses = append(clauses, "duration_seconds >= ?")
		args = append(args, *filter.MinDuration)
	}
	if filter.MaxDuration != nil {
		clauses = append(clauses, "duration_seconds <= ?")
		args = append(args, *filter.MaxDuration)
	}
	return strings.Join(clauses, " AND "), args
}

// CountEligibleUnits counts ready units that no completed batch has exported.
func (s *Store) CountEligibleUnits(ctx context.Context, filter UnitFilter) (int, error) {
	where, args := eligibleWhere(filter)
	var count int
	if err := s.db.QueryRowContext(ensureContext(ctx), "SELECT COUNT(1) FROM units WHERE "+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count eligible units: %w", err)
	}
	return count, nil
}

// SelectEligibleUnits returns up to limit eligible units ordered by ID.
func (s *Store) SelectEligibleUnits(ctx context.Context, filter UnitFilter, limit int) ([]*Unit, error) {
	if limit <= 0 {
		return nil, nil
	}
	where, args := eligibleWhere(filter)
	args = append(args, limit)
	return s.queryUnits(ctx, "SELECT "+unitColumns+" FROM units WHERE "+where+" ORDER BY id LIMIT ?", args...)
}

// PendingConsensusUnits returns undecided units that have candidates but are
// not yet ready for export, oldest first. The scheduler uses it to find work.
func (s *Store) PendingConsensusUnits(ctx context.Context, minCandidates, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id FROM units
         WHERE ready_for_export = 0 AND COALESCE(review_status, '') = '' AND transcript_count >= ?
         ORDER BY updated_at ASC, id ASC LIMIT ?`, minCandidates, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending consensus units: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
