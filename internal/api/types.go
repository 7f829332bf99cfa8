package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Progress is the latest progress report of a batch or task.
type Progress struct {
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// Filters mirrors the selection criteria a batch was created with.
type Filters struct {
	DateFrom    string   `json:"date_from,omitempty"`
	DateTo      string   `json:"date_to,omitempty"`
	MinDuration *float64 `json:"min_duration,omitempty"`
	MaxDuration *float64 `json:"max_duration,omitempty"`
}

// SkippedUnit is a selected unit left out of the batch.
type SkippedUnit struct {
	UnitID int64  `json:"unit_id"`
	Reason string `json:"reason"`
}

// Batch describes an export batch.
type Batch struct {
	ID                   string        `json:"batch_id"`
	Status               string        `json:"status"`
	Storage              string        `json:"storage"`
	ChunkCount           int           `json:"chunk_count"`
	UnitIDs              []int64       `json:"unit_ids,omitempty"`
	Checksum             string        `json:"checksum,omitempty"`
	SizeBytes            int64         `json:"size_bytes,omitempty"`
	TotalDurationSeconds float64       `json:"total_duration_seconds"`
	RetryCount           int           `json:"retry_count"`
	ErrorMessage         string        `json:"error_message,omitempty"`
	Filters              Filters       `json:"filters"`
	Skipped              []SkippedUnit `json:"skipped,omitempty"`
	Forced               bool          `json:"forced"`
	CreatedBy            string        `json:"created_by"`
	CreatedRole          string        `json:"created_role"`
	Progress             Progress      `json:"progress"`
	CreatedAt            string        `json:"created_at,omitempty"`
	UpdatedAt            string        `json:"updated_at,omitempty"`
	CompletedAt          string        `json:"completed_at,omitempty"`
}

// BatchListResponse wraps a batch collection.
type BatchListResponse struct {
	Batches []Batch `json:"batches"`
}

// CreateBatchRequest is the body of POST /api/batches. Dates accept RFC3339
// or YYYY-MM-DD.
type CreateBatchRequest struct {
	DateFrom    string   `json:"date_from,omitempty"`
	DateTo      string   `json:"date_to,omitempty"`
	MinDuration *float64 `json:"min_duration,omitempty"`
	MaxDuration *float64 `json:"max_duration,omitempty"`
	Force       bool     `json:"force,omitempty"`
}

// BatchResponse returns a batch together with the task processing it.
type BatchResponse struct {
	Batch  Batch  `json:"batch"`
	TaskID string `json:"task_id,omitempty"`
}

// ConsensusRequest is the body of POST /api/consensus.
type ConsensusRequest struct {
	UnitIDs []int64 `json:"unit_ids"`
}

// ConsensusTask is one submitted consensus sub-batch.
type ConsensusTask struct {
	TaskID  string  `json:"task_id"`
	UnitIDs []int64 `json:"unit_ids"`
}

// ConsensusResponse lists the submitted sub-batches.
type ConsensusResponse struct {
	Tasks []ConsensusTask `json:"tasks"`
}

// Task describes a background task.
type Task struct {
	ID           string          `json:"task_id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Progress     Progress        `json:"progress"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
	UpdatedAt    string          `json:"updated_at,omitempty"`
	ExpiresAt    string          `json:"expires_at,omitempty"`
}

// DownloadLink is returned for remotely stored archives.
type DownloadLink struct {
	URL       string `json:"download_url"`
	ExpiresIn int    `json:"expires_in"`
	FileName  string `json:"filename"`
	Checksum  string `json:"checksum,omitempty"`
}

// DownloadLimit is returned with 429 when the daily allowance is used up.
type DownloadLimit struct {
	Error          string `json:"error"`
	ResetTime      string `json:"reset_time"`
	DownloadsToday int    `json:"downloads_today"`
	DailyLimit     int    `json:"daily_limit"`
}

// InsufficientUnits is returned with 409 when too few units are ready.
type InsufficientUnits struct {
	Error    string `json:"error"`
	Current  int    `json:"current"`
	Required int    `json:"required"`
}

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ReviewUnit is an entry of the manual-review queue.
type ReviewUnit struct {
	UnitID               int64   `json:"unit_id"`
	RecordingID          string  `json:"recording_id"`
	DurationSeconds      float64 `json:"duration_seconds"`
	TranscriptCount      int     `json:"transcript_count"`
	ConsensusQuality     float64 `json:"consensus_quality"`
	ConsensusFailedCount int     `json:"consensus_failed_count"`
	CreatedAt            string  `json:"created_at,omitempty"`
}

// ReviewListResponse wraps the review queue.
type ReviewListResponse struct {
	Units []ReviewUnit `json:"units"`
}

// ReviewRequest is the body of POST /api/units/{id}/review.
type ReviewRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
}

// QuotaMetric is one metered counter.
type QuotaMetric struct {
	Metric  string  `json:"metric"`
	Period  string  `json:"period"`
	Used    int64   `json:"used"`
	Limit   int64   `json:"limit"`
	Ratio   float64 `json:"ratio"`
	Level   string  `json:"level"`
	Display string  `json:"display"`
}

// QuotaStatus reports every metered counter.
type QuotaStatus struct {
	Enabled bool          `json:"enabled"`
	Month   string        `json:"month"`
	Metrics []QuotaMetric `json:"metrics"`
}

// Alert is a stored operational alert.
type Alert struct {
	ID              int64              `json:"id"`
	Severity        string             `json:"severity"`
	Title           string             `json:"title"`
	Component       string             `json:"component"`
	Message         string             `json:"message"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	SuggestedAction string             `json:"suggested_action,omitempty"`
	CreatedAt       string             `json:"created_at"`
}

// AlertListResponse wraps stored alerts.
type AlertListResponse struct {
	Alerts []Alert `json:"alerts"`
}

// Status aggregates daemon runtime information.
type Status struct {
	Running        bool           `json:"running"`
	PID            int            `json:"pid"`
	DatabasePath   string         `json:"database_path"`
	LockFilePath   string         `json:"lock_file_path"`
	Storage        string         `json:"storage"`
	WorkersRunning bool           `json:"workers_running"`
	LastError      string         `json:"last_error,omitempty"`
	Units          int            `json:"units"`
	ReadyUnits     int            `json:"ready_units"`
	Backlog        int            `json:"backlog"`
	ReviewQueue    int            `json:"review_queue"`
	ExportedUnits  int            `json:"exported_units"`
	Batches        map[string]int `json:"batches"`
	Tasks          map[string]int `json:"tasks"`
}
