// Package api defines wire-format types and converters for the HTTP API. It
// translates internal store models into transport DTOs so the daemon and the
// CLI client share one representation.
//
// # Key Types
//
// Batch: export batch with status, unit list, checksum and progress.
//
// Task: background task status as returned by GET /api/tasks/{id}.
//
// DownloadLink / DownloadLimit: the two non-stream outcomes of a download.
//
// # Design Notes
//
// JSON fields are snake_case. Timestamps use RFC3339 with milliseconds in
// UTC. Structured errors (InsufficientUnits, DownloadLimit) carry the counts a
// caller needs to decide whether to retry.
package api
