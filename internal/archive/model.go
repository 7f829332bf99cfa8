package archive

import "time"

// Entry is one unit frozen for packaging.
type Entry struct {
	UnitID       int64
	RecordingID  string
	ArtifactPath string
	Text         string
	Duration     float64
	Language     string
	Quality      float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Compression records how the archive stream was compressed.
type Compression struct {
	Algorithm       string  `json:"algorithm"`
	Level           int     `json:"level"`
	AverageDuration float64 `json:"average_duration_seconds"`
}

// ManifestUnit indexes one unit inside the archive.
type ManifestUnit struct {
	UnitID   int64  `json:"unit_id"`
	Artifact string `json:"artifact"`
	Metadata string `json:"metadata"`
}

// Manifest is the batch-level index stored as manifest.json.
type Manifest struct {
	BatchID       string         `json:"batch_id"`
	ExportedAt    time.Time      `json:"exported_at"`
	UnitCount     int            `json:"unit_count"`
	TotalDuration float64        `json:"total_duration_seconds"`
	Languages     []string       `json:"languages"`
	FormatVersion string         `json:"format_version"`
	Compression   Compression    `json:"compression"`
	Units         []ManifestUnit `json:"units"`
}

// UnitMetadata is the per-unit sidecar stored next to each artifact.
type UnitMetadata struct {
	UnitID      int64     `json:"unit_id"`
	RecordingID string    `json:"recording_id,omitempty"`
	Artifact    string    `json:"artifact"`
	Text        string    `json:"text"`
	Duration    float64   `json:"duration_seconds"`
	Language    string    `json:"language"`
	Quality     float64   `json:"quality"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Result describes a finished archive.
type Result struct {
	Path      string
	Checksum  string
	SizeBytes int64
	Manifest  Manifest
}
