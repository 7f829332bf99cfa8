package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chorus/internal/quota"
	"chorus/internal/store"
)

// FromBatch converts a store batch to its API representation.
func FromBatch(b *store.Batch) Batch {
	if b == nil {
		return Batch{}
	}
	dto := Batch{
		ID:                   b.ID,
		Status:               string(b.Status),
		Storage:              b.StorageKind,
		ChunkCount:           b.UnitCount,
		UnitIDs:              b.UnitIDs,
		Checksum:             b.Checksum,
		SizeBytes:            b.SizeBytes,
		TotalDurationSeconds: b.TotalDuration,
		RetryCount:           b.RetryCount,
		ErrorMessage:         b.ErrorMessage,
		Filters: Filters{
			MinDuration: b.Filters.MinDuration,
			MaxDuration: b.Filters.MaxDuration,
		},
		Forced:      b.Forced,
		CreatedBy:   b.CreatedBy,
		CreatedRole: b.CreatedRole,
		Progress:    Progress{Percent: b.ProgressPercent, Message: b.ProgressMessage},
		CreatedAt:   FormatTime(b.CreatedAt),
		UpdatedAt:   FormatTime(b.UpdatedAt),
	}
	if b.Filters.CreatedFrom != nil {
		dto.Filters.DateFrom = FormatTime(*b.Filters.CreatedFrom)
	}
	if b.Filters.CreatedTo != nil {
		dto.Filters.DateTo = FormatTime(*b.Filters.CreatedTo)
	}
	for _, s := range b.Skipped {
		dto.Skipped = append(dto.Skipped, SkippedUnit{UnitID: s.UnitID, Reason: s.Reason})
	}
	if b.CompletedAt != nil {
		dto.CompletedAt = FormatTime(*b.CompletedAt)
	}
	return dto
}

// FromBatches converts a batch slice.
func FromBatches(batches []*store.Batch) []Batch {
	out := make([]Batch, 0, len(batches))
	for _, b := range batches {
		out = append(out, FromBatch(b))
	}
	return out
}

// FromTask converts a store task.
func FromTask(t *store.Task) Task {
	if t == nil {
		return Task{}
	}
	dto := Task{
		ID:           t.ID,
		Kind:         t.Kind,
		Status:       string(t.Status),
		Attempts:     t.Attempts,
		MaxAttempts:  t.MaxAttempts,
		Progress:     Progress{Percent: t.ProgressPercent, Message: t.ProgressMessage},
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    FormatTime(t.CreatedAt),
		UpdatedAt:    FormatTime(t.UpdatedAt),
	}
	if raw := strings.TrimSpace(t.Result); raw != "" && json.Valid([]byte(raw)) {
		dto.Result = json.RawMessage(raw)
	}
	if t.ExpiresAt != nil {
		dto.ExpiresAt = FormatTime(*t.ExpiresAt)
	}
	return dto
}

// FromReviewUnits converts review-queue units.
func FromReviewUnits(units []*store.Unit) []ReviewUnit {
	out := make([]ReviewUnit, 0, len(units))
	for _, u := range units {
		out = append(out, ReviewUnit{
			UnitID:               u.ID,
			RecordingID:          u.RecordingID,
			DurationSeconds:      u.DurationSeconds,
			TranscriptCount:      u.TranscriptCount,
			ConsensusQuality:     u.ConsensusQuality,
			ConsensusFailedCount: u.ConsensusFailedCount,
			CreatedAt:            FormatTime(u.CreatedAt),
		})
	}
	return out
}

// FromQuota converts a quota snapshot.
func FromQuota(s quota.Status) QuotaStatus {
	dto := QuotaStatus{Enabled: s.Enabled, Month: s.Month}
	for _, u := range s.Metrics {
		dto.Metrics = append(dto.Metrics, QuotaMetric{
			Metric:  u.Metric,
			Period:  u.Period,
			Used:    u.Used,
			Limit:   u.Limit,
			Ratio:   u.Ratio,
			Level:   u.Level,
			Display: quota.Describe(u),
		})
	}
	return dto
}

// FromAlerts converts stored alerts.
func FromAlerts(alerts []*store.Alert) []Alert {
	out := make([]Alert, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, Alert{
			ID:              a.ID,
			Severity:        a.Severity,
			Title:           a.Title,
			Component:       a.Component,
			Message:         a.Message,
			Metrics:         a.Metrics,
			SuggestedAction: a.SuggestedAction,
			CreatedAt:       FormatTime(a.CreatedAt),
		})
	}
	return out
}

// ApplyStats copies record counts into a status payload.
func ApplyStats(dst *Status, stats store.Stats) {
	dst.Units = stats.Units
	dst.ReadyUnits = stats.ReadyUnits
	dst.Backlog = stats.Backlog
	dst.ReviewQueue = stats.ReviewQueue
	dst.ExportedUnits = stats.ExportedUnits
	dst.Batches = make(map[string]int, len(stats.Batches))
	for status, n := range stats.Batches {
		dst.Batches[string(status)] = n
	}
	dst.Tasks = make(map[string]int, len(stats.Tasks))
	for status, n := range stats.Tasks {
		dst.Tasks[string(status)] = n
	}
}

// Filter parses the request into a unit filter. A bare date_to covers the
// whole day.
func (r CreateBatchRequest) Filter() (store.UnitFilter, error) {
	var filter store.UnitFilter
	if v := strings.TrimSpace(r.DateFrom); v != "" {
		t, _, err := ParseDate(v)
		if err != nil {
			return filter, fmt.Errorf("date_from: %w", err)
		}
		filter.CreatedFrom = &t
	}
	if v := strings.TrimSpace(r.DateTo); v != "" {
		t, dateOnly, err := ParseDate(v)
		if err != nil {
			return filter, fmt.Errorf("date_to: %w", err)
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1).Add(-time.Microsecond)
		}
		filter.CreatedTo = &t
	}
	filter.MinDuration = r.MinDuration
	filter.MaxDuration = r.MaxDuration
	return filter, nil
}

// ParseDate accepts RFC3339 or YYYY-MM-DD (UTC) and reports which form matched.
func ParseDate(value string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid date %q, expected RFC3339 or YYYY-MM-DD", value)
	}
	return t, true, nil
}

// FormatTime converts a time to RFC3339 or returns empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
