// Package store persists chorus records in SQLite.
//
// One database file holds units and their candidate transcriptions, export
// batches with their frozen unit lists, the exported-unit ledger, download
// records, metered usage counters, per-unit advisory locks, background tasks,
// and operational alerts. All writes retry on SQLITE_BUSY with bounded
// backoff. Lookups that find nothing return a nil record and a nil error.
package store
