package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const taskColumns = "id, kind, payload_json, status, attempts, max_attempts, progress_percent, progress_message, error_message, result_json, not_before, last_heartbeat, expires_at, created_at, updated_at"

func scanTask(scanner rowScanner) (*Task, error) {
	var (
		t            Task
		status       string
		progressMsg  sql.NullString
		errorMessage sql.NullString
		result       sql.NullString
		notBefore    string
		heartbeat    sql.NullString
		expires      sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&t.ID,
		&t.Kind,
		&t.Payload,
		&status,
		&t.Attempts,
		&t.MaxAttempts,
		&t.ProgressPercent,
		&progressMsg,
		&errorMessage,
		&result,
		&notBefore,
		&heartbeat,
		&expires,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.ProgressMessage = progressMsg.String
	t.ErrorMessage = errorMessage.String
	t.Result = result.String
	if nb, err := parseTimeString(notBefore); err == nil {
		t.NotBefore = nb
	}
	t.LastHeartbeat = parseNullTime(heartbeat)
	t.ExpiresAt = parseNullTime(expires)
	if created, err := parseTimeString(createdRaw); err == nil {
		t.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		t.UpdatedAt = updated
	}
	return &t, nil
}

// InsertTask enqueues a task.
func (s *Store) InsertTask(ctx context.Context, t *Task) error {
	if t == nil || t.ID == "" || t.Kind == "" {
		return errors.New("task id and kind are required")
	}
	now := time.Now().UTC()
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 1
	}
	t.Status = TaskQueued
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.execWithoutResultRetry(ctx,
		`INSERT INTO tasks (id, kind, payload_json, status, max_attempts, not_before, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Kind, t.Payload, string(t.Status), t.MaxAttempts, formatTime(t.NotBefore), formatTime(now), formatTime(now),
	); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, limit int, statuses ...TaskStatus) ([]*Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN (" + makePlaceholders(len(statuses)) + ")"
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimNextTask atomically moves the oldest runnable queued task to running,
// increments its attempt counter, and returns it. It returns nil when no task
// is runnable.
func (s *Store) ClaimNextTask(ctx context.Context, kinds ...string) (*Task, error) {
	now := formatTime(time.Now())
	kindFilter := ""
	args := []any{string(TaskRunning), now, now, string(TaskQueued), now}
	if len(kinds) > 0 {
		kindFilter = " AND kind IN (" + makePlaceholders(len(kinds)) + ")"
		for _, kind := range kinds {
			args = append(args, kind)
		}
	}
	query := `UPDATE tasks SET status = ?, attempts = attempts + 1, last_heartbeat = ?, updated_at = ?
        WHERE id = (
            SELECT id FROM tasks WHERE status = ? AND not_before <= ?` + kindFilter + `
            ORDER BY not_before, created_at LIMIT 1
        )
        RETURNING ` + taskColumns

	var task *Task
	err := retryOnBusy(ensureContext(ctx), func() error {
		row := s.db.QueryRowContext(ensureContext(ctx), query, args...)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			task = nil
			return nil
		}
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// TaskHeartbeat refreshes the heartbeat of a running task and returns its
// current status so the runner can observe cancellation.
func (s *Store) TaskHeartbeat(ctx context.Context, id string) (TaskStatus, error) {
	now := formatTime(time.Now())
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE tasks SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = ?`,
		now, now, id, string(TaskRunning),
	); err != nil {
		return "", fmt.Errorf("task heartbeat: %w", err)
	}
	var status string
	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status); err != nil {
		return "", fmt.Errorf("task heartbeat: %w", err)
	}
	return TaskStatus(status), nil
}

// UpdateTaskProgress records progress for a running task.
func (s *Store) UpdateTaskProgress(ctx context.Context, id string, percent float64, message string) error {
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE tasks SET progress_percent = ?, progress_message = ?, updated_at = ? WHERE id = ? AND status = ?`,
		percent, nullableString(message), formatTime(time.Now()), id, string(TaskRunning),
	); err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	return nil
}

// FinishTask moves a running task to a terminal status.
func (s *Store) FinishTask(ctx context.Context, id string, status TaskStatus, result, message string, expiresAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	percent := "progress_percent"
	if status == TaskSucceeded {
		percent = "100"
	}
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE tasks SET status = ?, result_json = ?, error_message = ?, progress_percent = `+percent+`,
             last_heartbeat = NULL, expires_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(status), nullableString(result), nullableString(message), formatTime(expiresAt), formatTime(time.Now()),
		id, string(TaskRunning),
	); err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	return nil
}

// RequeueTask returns a running task to the queue to be retried at notBefore.
func (s *Store) RequeueTask(ctx context.Context, id, message string, notBefore time.Time) error {
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE tasks SET status = ?, error_message = ?, not_before = ?, last_heartbeat = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(TaskQueued), nullableString(message), formatTime(notBefore), formatTime(time.Now()), id, string(TaskRunning),
	); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// CancelTask marks a queued or running task cancelled. Running tasks observe
// the change on their next heartbeat.
func (s *Store) CancelTask(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE tasks SET status = ?, error_message = 'Cancelled', expires_at = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		string(TaskCancelled), formatTime(expiresAt), formatTime(time.Now()), id, string(TaskQueued), string(TaskRunning),
	)
	if err != nil {
		return false, fmt.Errorf("cancel task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReclaimStaleTasks requeues running tasks whose heartbeat is older than cutoff.
func (s *Store) ReclaimStaleTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	now := formatTime(time.Now())
	res, err := s.execWithRetry(ctx,
		`UPDATE tasks SET status = ?, progress_message = 'Reclaimed from stale worker', last_heartbeat = NULL,
             not_before = ?, updated_at = ?
         WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		string(TaskQueued), now, now, string(TaskRunning), formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	return res.RowsAffected()
}

// PurgeExpiredTasks deletes terminal tasks whose retention has lapsed.
func (s *Store) PurgeExpiredTasks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM tasks WHERE expires_at IS NOT NULL AND expires_at <= ? AND status IN (?, ?, ?)`,
		formatTime(now), string(TaskSucceeded), string(TaskFailed), string(TaskCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired tasks: %w", err)
	}
	return res.RowsAffected()
}
