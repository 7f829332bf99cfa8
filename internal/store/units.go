package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chorus/internal/annotation"
)

const unitColumns = "id, recording_id, duration_seconds, language, artifact_path, transcript_count, consensus_quality, consensus_candidate_id, ready_for_export, consensus_failed_count, review_status, review_note, created_at, updated_at"

const candidateColumns = "id, unit_id, submitter_id, text, quality, confidence, is_consensus, is_validated, annotations_json, created_at"

func scanUnit(scanner rowScanner) (*Unit, error) {
	var (
		unit        Unit
		language    sql.NullString
		candidateID sql.NullInt64
		ready       int
		review      sql.NullString
		note        sql.NullString
		createdRaw  string
		updatedRaw  string
	)
	if err := scanner.Scan(
		&unit.ID,
		&unit.RecordingID,
		&unit.DurationSeconds,
		&language,
		&unit.ArtifactPath,
		&unit.TranscriptCount,
		&unit.ConsensusQuality,
		&candidateID,
		&ready,
		&unit.ConsensusFailedCount,
		&review,
		&note,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	unit.Language = language.String
	if candidateID.Valid {
		id := candidateID.Int64
		unit.ConsensusCandidateID = &id
	}
	unit.ReadyForExport = ready != 0
	unit.ReviewStatus = ReviewStatus(review.String)
	unit.ReviewNote = note.String
	if created, err := parseTimeString(createdRaw); err == nil {
		unit.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		unit.UpdatedAt = updated
	}
	return &unit, nil
}

func scanCandidate(scanner rowScanner) (*Candidate, error) {
	var (
		c           Candidate
		consensus   int
		validated   int
		annotations sql.NullString
		createdRaw  string
	)
	if err := scanner.Scan(
		&c.ID,
		&c.UnitID,
		&c.SubmitterID,
		&c.Text,
		&c.Quality,
		&c.Confidence,
		&consensus,
		&validated,
		&annotations,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	c.IsConsensus = consensus != 0
	c.IsValidated = validated != 0
	if annotations.Valid {
		set, err := annotation.Parse([]byte(annotations.String))
		if err != nil {
			return nil, fmt.Errorf("candidate %d: %w", c.ID, err)
		}
		c.Annotations = set
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		c.CreatedAt = created
	}
	return &c, nil
}

// CreateUnit inserts a new unit. CreatedAt defaults to now when zero.
func (s *Store) CreateUnit(ctx context.Context, unit *Unit) (*Unit, error) {
	if unit == nil {
		return nil, errors.New("unit is required")
	}
	if strings.TrimSpace(unit.ArtifactPath) == "" {
		return nil, errors.New("unit artifact path is required")
	}
	now := time.Now().UTC()
	created := unit.CreatedAt
	if created.IsZero() {
		created = now
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO units (recording_id, duration_seconds, language, artifact_path, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		unit.RecordingID,
		unit.DurationSeconds,
		nullableString(unit.Language),
		unit.ArtifactPath,
		formatTime(created),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert unit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("unit id: %w", err)
	}
	return s.GetUnit(ctx, id)
}

// GetUnit fetches a unit by ID.
func (s *Store) GetUnit(ctx context.Context, id int64) (*Unit, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), "SELECT "+unitColumns+" FROM units WHERE id = ?", id)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return unit, nil
}

// ListUnits fetches the units with the given IDs ordered by ID. Missing IDs
// are omitted.
func (s *Store) ListUnits(ctx context.Context, ids []int64) ([]*Unit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := "SELECT " + unitColumns + " FROM units WHERE id IN (" + makePlaceholders(len(ids)) + ") ORDER BY id"
	return s.queryUnits(ctx, query, int64Args(ids)...)
}

func (s *Store) queryUnits(ctx context.Context, query string, args ...any) ([]*Unit, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("query units: %w", err)
	}
	defer rows.Close()

	var units []*Unit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

// AddCandidate stores a transcription and bumps the unit's transcript count.
func (s *Store) AddCandidate(ctx context.Context, c *Candidate) (*Candidate, error) {
	if c == nil {
		return nil, errors.New("candidate is required")
	}
	encoded, err := annotation.Encode(c.Annotations)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE units SET transcript_count = transcript_count + 1, updated_at = ? WHERE id = ?`,
			formatTime(now), c.UnitID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("unit %d does not exist", c.UnitID)
		}
		res, err = tx.ExecContext(ctx,
			`INSERT INTO candidates (unit_id, submitter_id, text, quality, confidence, annotations_json, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.UnitID, c.SubmitterID, c.Text, c.Quality, c.Confidence, nullableString(encoded), formatTime(now))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("add candidate: %w", err)
	}
	out := *c
	out.ID = id
	out.CreatedAt = now
	return &out, nil
}

// ListCandidates returns every candidate for a unit ordered by ID.
func (s *Store) ListCandidates(ctx context.Context, unitID int64) ([]*Candidate, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT "+candidateColumns+" FROM candidates WHERE unit_id = ? ORDER BY id", unitID)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// CandidateScore is the per-candidate outcome of a consensus evaluation.
type CandidateScore struct {
	ID          int64
	Quality     float64
	Confidence  float64
	IsConsensus bool
	IsValidated bool
}

// ConsensusUpdate is the full write set of one consensus evaluation.
type ConsensusUpdate struct {
	UnitID               int64
	ConsensusCandidateID *int64
	Quality              float64
	ReadyForExport       bool
	RequiresReview       bool
	Candidates           []CandidateScore
}

// ApplyConsensus persists a consensus evaluation atomically and returns the
// unit's resulting consensus failure count.
func (s *Store) ApplyConsensus(ctx context.Context, update ConsensusUpdate) (int, error) {
	now := formatTime(time.Now())
	var failed int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range update.Candidates {
			if _, err := tx.ExecContext(ctx,
				`UPDATE candidates SET quality = ?, confidence = ?, is_consensus = ?, is_validated = ?
                 WHERE id = ? AND unit_id = ?`,
				c.Quality, c.Confidence, boolToInt(c.IsConsensus), boolToInt(c.IsValidated), c.ID, update.UnitID,
			); err != nil {
				return err
			}
		}
		increment := 0
		if update.RequiresReview {
			increment = 1
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE units SET consensus_quality = ?, consensus_candidate_id = ?, ready_for_export = ?,
                 consensus_failed_count = consensus_failed_count + ?, updated_at = ?
             WHERE id = ?`,
			update.Quality, nullableInt64(update.ConsensusCandidateID), boolToInt(update.ReadyForExport),
			increment, now, update.UnitID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("unit %d does not exist", update.UnitID)
		}
		return tx.QueryRowContext(ctx, `SELECT consensus_failed_count FROM units WHERE id = ?`, update.UnitID).Scan(&failed)
	})
	if err != nil {
		return 0, fmt.Errorf("apply consensus: %w", err)
	}
	return failed, nil
}

// ReviewQueue lists undecided units whose consensus failed at least
// minFailures times, most failures first, then oldest first.
func (s *Store) ReviewQueue(ctx context.Context, minFailures, limit int) ([]*Unit, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryUnits(ctx,
		"SELECT "+unitColumns+` FROM units
         WHERE consensus_failed_count >= ? AND COALESCE(review_status, '') = ''
         ORDER BY consensus_failed_count DESC, created_at ASC, id ASC
         LIMIT ?`,
		minFailures, limit)
}

// RecordReview stores a human decision. Approval clears the failure count and
// validates the current consensus candidate. Rejection is final and removes
// the unit from export eligibility.
func (s *Store) RecordReview(ctx context.Context, unitID int64, status ReviewStatus, note string) error {
	if status != ReviewApproved && status != ReviewRejected {
		return fmt.Errorf("invalid review decision %q", status)
	}
	now := formatTime(time.Now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT review_status FROM units WHERE id = ?`, unitID).Scan(&current); err != nil {
			return err
		}
		if ReviewStatus(current.String) == ReviewRejected {
			return fmt.Errorf("%w: unit %d was rejected", ErrInvalidTransition, unitID)
		}
		if status == ReviewApproved {
			if _, err := tx.ExecContext(ctx,
				`UPDATE units SET review_status = ?, review_note = ?, consensus_failed_count = 0, updated_at = ? WHERE id = ?`,
				string(status), nullableString(note), now, unitID); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`UPDATE candidates SET is_validated = 1
                 WHERE unit_id = ? AND id = (SELECT consensus_candidate_id FROM units WHERE id = ?)`,
				unitID, unitID)
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE units SET review_status = ?, review_note = ?, ready_for_export = 0, updated_at = ? WHERE id = ?`,
			string(status), nullableString(note), now, unitID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: unit %d", ErrNotFound, unitID)
	}
	if err != nil {
		return fmt.Errorf("record review: %w", err)
	}
	return nil
}

// ExportRecords loads units with their consensus text, preserving the order of ids.
func (s *Store) ExportRecords(ctx context.Context, ids []int64) ([]ExportRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	units, err := s.ListUnits(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*Unit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT u.id, c.text FROM units u JOIN candidates c ON c.id = u.consensus_candidate_id
         WHERE u.id IN (`+makePlaceholders(len(ids))+`)`, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query consensus text: %w", err)
	}
	defer rows.Close()
	texts := make(map[int64]string, len(ids))
	for rows.Next() {
		var (
			id   int64
			text string
		)
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scan consensus text: %w", err)
		}
		texts[id] = text
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]ExportRecord, 0, len(ids))
	for _, id := range ids {
		unit, ok := byID[id]
		if !ok {
			continue
		}
		records = append(records, ExportRecord{Unit: unit, ConsensusText: texts[id]})
	}
	return records, nil
}

// DeleteUnits removes candidates and then units for ids in one transaction and
// returns the deleted units so callers can remove backing files.
func (s *Store) DeleteUnits(ctx context.Context, ids []int64) ([]*Unit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	units, err := s.ListUnits(ctx, ids)
	if err != nil {
		return nil, err
	}
	placeholders := makePlaceholders(len(ids))
	args := int64Args(ids)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE unit_id IN (`+placeholders+`)`, args...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM unit_locks WHERE unit_id IN (`+placeholders+`)`, args...); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM units WHERE id IN (`+placeholders+`)`, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("delete units: %w", err)
	}
	return units, nil
}
