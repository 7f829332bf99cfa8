package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const batchColumns = "id, status, storage_kind, locator, checksum, size_bytes, unit_count, total_duration, retry_count, error_message, filters_json, skipped_json, forced, created_by, created_role, progress_percent, progress_message, created_at, updated_at, completed_at"

func scanBatch(scanner rowScanner) (*Batch, error) {
	var (
		b            Batch
		status       string
		locator      sql.NullString
		checksum     sql.NullString
		errorMessage sql.NullString
		filters      sql.NullString
		skipped      sql.NullString
		forced       int
		progressMsg  sql.NullString
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&b.ID,
		&status,
		&b.StorageKind,
		&locator,
		&checksum,
		&b.SizeBytes,
		&b.UnitCount,
		&b.TotalDuration,
		&b.RetryCount,
		&errorMessage,
		&filters,
		&skipped,
		&forced,
		&b.CreatedBy,
		&b.CreatedRole,
		&b.ProgressPercent,
		&progressMsg,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	b.Locator = locator.String
	b.Checksum = checksum.String
	b.ErrorMessage = errorMessage.String
	b.Forced = forced != 0
	b.ProgressMessage = progressMsg.String
	if filters.Valid && filters.String != "" {
		if err := json.Unmarshal([]byte(filters.String), &b.Filters); err != nil {
			return nil, fmt.Errorf("decode batch filters: %w", err)
		}
	}
	if skipped.Valid && skipped.String != "" {
		if err := json.Unmarshal([]byte(skipped.String), &b.Skipped); err != nil {
			return nil, fmt.Errorf("decode skipped units: %w", err)
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		b.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		b.UpdatedAt = updated
	}
	b.CompletedAt = parseNullTime(completedRaw)
	return &b, nil
}

// CreateBatch persists a pending batch together with its frozen, ordered unit list.
func (s *Store) CreateBatch(ctx context.Context, b *Batch) error {
	if b == nil || strings.TrimSpace(b.ID) == "" {
		return errors.New("batch id is required")
	}
	if len(b.UnitIDs) == 0 {
		return errors.New("batch must contain at least one unit")
	}
	filters, err := json.Marshal(b.Filters)
	if err != nil {
		return fmt.Errorf("encode batch filters: %w", err)
	}
	var skipped []byte
	if len(b.Skipped) > 0 {
		if skipped, err = json.Marshal(b.Skipped); err != nil {
			return fmt.Errorf("encode skipped units: %w", err)
		}
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	b.Status = BatchPending
	b.UnitCount = len(b.UnitIDs)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO batches (id, status, storage_kind, unit_count, total_duration, filters_json, skipped_json,
                 forced, created_by, created_role, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, string(b.Status), b.StorageKind, b.UnitCount, b.TotalDuration, string(filters), nullableString(string(skipped)),
			boolToInt(b.Forced), b.CreatedBy, b.CreatedRole, formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
		); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO batch_units (batch_id, position, unit_id) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, id := range b.UnitIDs {
			if _, err := stmt.ExecContext(ctx, b.ID, i, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

// GetBatch fetches a batch and its unit list.
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM batches WHERE id = ?", id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	if b.UnitIDs, err = s.batchUnitIDs(ctx, id); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Store) batchUnitIDs(ctx context.Context, batchID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT unit_id FROM batch_units WHERE batch_id = ? ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query batch units: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch unit: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListBatches returns batches newest first, optionally filtered by status.
// Unit lists are not loaded.
func (s *Store) ListBatches(ctx context.Context, statuses ...BatchStatus) ([]*Batch, error) {
	query := "SELECT " + batchColumns + " FROM batches"
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN (" + makePlaceholders(len(statuses)) + ")"
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()
	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func (s *Store) transitionBatch(ctx context.Context, id string, from BatchStatus, set string, args ...any) error {
	query := `UPDATE batches SET ` + set + ` WHERE id = ? AND status = ?`
	args = append(args, id, string(from))
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionError(ctx, id, from)
	}
	return nil
}

func (s *Store) transitionError(ctx context.Context, id string, from BatchStatus) error {
	var status string
	err := s.db.QueryRowContext(ensureContext(ctx), `SELECT status FROM batches WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: batch %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: batch %s is %s, expected %s", ErrInvalidTransition, id, status, from)
}

// MarkBatchProcessing moves a pending batch to processing.
func (s *Store) MarkBatchProcessing(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	if err := s.transitionBatch(ctx, id, BatchPending,
		`status = ?, progress_percent = 0, progress_message = 'Processing', updated_at = ?`,
		string(BatchProcessing), now); err != nil {
		return fmt.Errorf("mark batch processing: %w", err)
	}
	return nil
}

// UpdateBatchProgress records progress for a processing batch.
func (s *Store) UpdateBatchProgress(ctx context.Context, id string, percent float64, message string) error {
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE batches SET progress_percent = ?, progress_message = ?, updated_at = ? WHERE id = ? AND status = ?`,
		percent, nullableString(message), formatTime(time.Now()), id, string(BatchProcessing),
	); err != nil {
		return fmt.Errorf("update batch progress: %w", err)
	}
	return nil
}

// CompleteBatch marks a processing batch completed and records every unit in
// the exported-unit ledger in the same transaction. If any unit was already
// exported by another batch the whole transaction is rolled back and
// ErrAlreadyExported is returned.
func (s *Store) CompleteBatch(ctx context.Context, id string, result BatchResult) error {
	now := formatTime(time.Now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE batches SET status = ?, locator = ?, checksum = ?, size_bytes = ?, error_message = NULL,
                 progress_percent = 100, progress_message = 'Completed', updated_at = ?, completed_at = ?
             WHERE id = ? AND status = ?`,
			string(BatchCompleted), result.Locator, result.Checksum, result.SizeBytes, now, now, id, string(BatchProcessing))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errBatchNotProcessing
		}
		var conflict sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT bu.unit_id FROM batch_units bu JOIN exported_units e ON e.unit_id = bu.unit_id
             WHERE bu.batch_id = ? LIMIT 1`, id).Scan(&conflict); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if conflict.Valid {
			return fmt.Errorf("%w: unit %d", ErrAlreadyExported, conflict.Int64)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO exported_units (unit_id, batch_id, exported_at)
             SELECT unit_id, batch_id, ? FROM batch_units WHERE batch_id = ?`, now, id)
		return err
	})
	if errors.Is(err, errBatchNotProcessing) {
		return fmt.Errorf("complete batch: %w", s.transitionError(ctx, id, BatchProcessing))
	}
	if err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	return nil
}

var errBatchNotProcessing = errors.New("batch not processing")

// FailBatch marks a pending or processing batch failed with a message.
func (s *Store) FailBatch(ctx context.Context, id, message string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE batches SET status = ?, error_message = ?, progress_message = 'Failed', updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		string(BatchFailed), nullableString(message), formatTime(time.Now()), id, string(BatchPending), string(BatchProcessing))
	if err != nil {
		return fmt.Errorf("fail batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fail batch: %w", s.transitionError(ctx, id, BatchProcessing))
	}
	return nil
}

// RetryBatch moves a failed batch back to pending, increments its retry count,
// and clears the error. The batch keeps its ID and unit list.
func (s *Store) RetryBatch(ctx context.Context, id string) (*Batch, error) {
	if err := s.transitionBatch(ctx, id, BatchFailed,
		`status = ?, retry_count = retry_count + 1, error_message = NULL, progress_percent = 0,
         progress_message = 'Retry requested', updated_at = ?`,
		string(BatchPending), formatTime(time.Now())); err != nil {
		return nil, fmt.Errorf("retry batch: %w", err)
	}
	return s.GetBatch(ctx, id)
}

// ConsecutiveBatchFailures counts failed batches since the most recent
// completed one.
func (s *Store) ConsecutiveBatchFailures(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT status FROM batches WHERE status IN (?, ?) ORDER BY updated_at DESC, id`,
		string(BatchCompleted), string(BatchFailed))
	if err != nil {
		return 0, fmt.Errorf("query batch outcomes: %w", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, err
		}
		if BatchStatus(status) != BatchFailed {
			break
		}
		count++
	}
	return count, rows.Err()
}

// ExportedOverlap reports the first unit of batchID already recorded in the
// exported-unit ledger, with the batch that exported it. ok is false when the
// batch shares no unit with a completed batch.
func (s *Store) ExportedOverlap(ctx context.Context, batchID string) (unitID int64, owner string, ok bool, err error) {
	err = s.db.QueryRowContext(ensureContext(ctx),
		`SELECT e.unit_id, e.batch_id FROM batch_units bu JOIN exported_units e ON e.unit_id = bu.unit_id
         WHERE bu.batch_id = ? ORDER BY e.unit_id LIMIT 1`, batchID).Scan(&unitID, &owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, fmt.Errorf("check exported overlap: %w", err)
	}
	return unitID, owner, true, nil
}

// ExportedBatchFor returns the completed batch that exported unitID, or "".
func (s *Store) ExportedBatchFor(ctx context.Context, unitID int64) (string, error) {
	var batchID string
	err := s.db.QueryRowContext(ensureContext(ctx), `SELECT batch_id FROM exported_units WHERE unit_id = ?`, unitID).Scan(&batchID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup exported unit: %w", err)
	}
	return batchID, nil
}
