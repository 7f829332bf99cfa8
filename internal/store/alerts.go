package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const alertColumns = "id, severity, title, component, message, metrics_json, suggested_action, created_at"

func scanAlert(scanner rowScanner) (*Alert, error) {
	var (
		a          Alert
		metrics    sql.NullString
		action     sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(&a.ID, &a.Severity, &a.Title, &a.Component, &a.Message, &metrics, &action, &createdRaw); err != nil {
		return nil, err
	}
	a.SuggestedAction = action.String
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &a.Metrics); err != nil {
			return nil, fmt.Errorf("decode alert metrics: %w", err)
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		a.CreatedAt = created
	}
	return &a, nil
}

// InsertAlert stores an alert and assigns its ID.
func (s *Store) InsertAlert(ctx context.Context, a *Alert) error {
	if a == nil {
		return errors.New("alert is required")
	}
	var metrics []byte
	if len(a.Metrics) > 0 {
		var err error
		if metrics, err = json.Marshal(a.Metrics); err != nil {
			return fmt.Errorf("encode alert metrics: %w", err)
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO alerts (severity, title, component, message, metrics_json, suggested_action, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.Severity, a.Title, a.Component, a.Message, nullableString(string(metrics)), nullableString(a.SuggestedAction),
		formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("alert id: %w", err)
	}
	return nil
}

// ListAlerts returns the newest alerts first.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT "+alertColumns+" FROM alerts ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// LastAlertAt returns when an alert with title was last stored.
func (s *Store) LastAlertAt(ctx context.Context, title string) (*time.Time, error) {
	var raw sql.NullString
	if err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT MAX(created_at) FROM alerts WHERE title = ?`, title,
	).Scan(&raw); err != nil {
		return nil, fmt.Errorf("last alert: %w", err)
	}
	return parseNullTime(raw), nil
}

// PruneAlerts deletes alerts created before cutoff and any beyond the newest keep entries.
func (s *Store) PruneAlerts(ctx context.Context, keep int, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		removed = 0
		res, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE created_at < ?`, formatTime(cutoff))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n
		if keep > 0 {
			res, err = tx.ExecContext(ctx,
				`DELETE FROM alerts WHERE id NOT IN (SELECT id FROM alerts ORDER BY created_at DESC, id DESC LIMIT ?)`, keep)
			if err != nil {
				return err
			}
			n, _ = res.RowsAffected()
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune alerts: %w", err)
	}
	return removed, nil
}
