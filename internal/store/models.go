package store

import (
	"time"

	"chorus/internal/annotation"
)

// ReviewStatus records a human decision on a unit that failed consensus.
type ReviewStatus string

const (
	ReviewNone     ReviewStatus = ""
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// Unit is one exportable audio segment.
type Unit struct {
	ID                   int64
	RecordingID          string
	DurationSeconds      float64
	Language             string
	ArtifactPath         string
	TranscriptCount      int
	ConsensusQuality     float64
	ConsensusCandidateID *int64
	ReadyForExport       bool
	ConsensusFailedCount int
	ReviewStatus         ReviewStatus
	ReviewNote           string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Candidate is one contributor transcription of a unit.
type Candidate struct {
	ID          int64
	UnitID      int64
	SubmitterID string
	Text        string
	Quality     float64
	Confidence  float64
	IsConsensus bool
	IsValidated bool
	Annotations annotation.Set
	CreatedAt   time.Time
}

// ExportRecord pairs a unit with its canonical transcription.
type ExportRecord struct {
	Unit          *Unit
	ConsensusText string
}

// BatchStatus represents the lifecycle of an export batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// UnitFilter narrows the set of units eligible for export.
type UnitFilter struct {
	CreatedFrom *time.Time `json:"created_from,omitempty"`
	CreatedTo   *time.Time `json:"created_to,omitempty"`
	MinDuration *float64   `json:"min_duration,omitempty"`
	MaxDuration *float64   `json:"max_duration,omitempty"`
}

// SkippedUnit records why a selected unit was left out of a batch.
type SkippedUnit struct {
	UnitID int64  `json:"unit_id"`
	Reason string `json:"reason"`
}

// Batch is an immutable, checksummed collection of exported units.
type Batch struct {
	ID              string
	Status          BatchStatus
	StorageKind     string
	Locator         string
	Checksum        string
	SizeBytes       int64
	UnitCount       int
	TotalDuration   float64
	UnitIDs         []int64
	RetryCount      int
	ErrorMessage    string
	Filters         UnitFilter
	Skipped         []SkippedUnit
	Forced          bool
	CreatedBy       string
	CreatedRole     string
	ProgressPercent float64
	ProgressMessage string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// BatchResult captures the outcome of a successful archive upload.
type BatchResult struct {
	Locator   string
	Checksum  string
	SizeBytes int64
}

// Download records one authorized batch access.
type Download struct {
	ID        int64
	BatchID   string
	UserID    string
	Origin    string
	CreatedAt time.Time
}

// TaskStatus represents the lifecycle of a background task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task will not run again.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// Task is a persisted unit of background work.
type Task struct {
	ID              string
	Kind            string
	Payload         string
	Status          TaskStatus
	Attempts        int
	MaxAttempts     int
	ProgressPercent float64
	ProgressMessage string
	ErrorMessage    string
	Result          string
	NotBefore       time.Time
	LastHeartbeat   *time.Time
	ExpiresAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Alert is an operational alert emitted by the monitor.
type Alert struct {
	ID              int64
	Severity        string
	Title           string
	Component       string
	Message         string
	Metrics         map[string]float64
	SuggestedAction string
	CreatedAt       time.Time
}

// Stats summarizes record counts for status displays.
type Stats struct {
	Units         int
	ReadyUnits    int
	Backlog       int
	ReviewQueue   int
	Candidates    int
	Batches       map[BatchStatus]int
	Tasks         map[TaskStatus]int
	ExportedUnits int
}
