// Package export orchestrates batch creation and processing.
//
// Create freezes a unit selection into a pending batch and hands it to the
// task scheduler; the export task builds the archive, persists it, marks the
// batch completed and schedules cleanup. Retry reuses the failed batch's id
// and unit list.
package export
