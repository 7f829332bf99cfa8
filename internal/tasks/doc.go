// Package tasks runs chorus background work behind the Scheduler interface.
//
// Request handlers never execute consensus, export, or cleanup work directly:
// they submit a Request and hand the returned task id back to the caller, who
// polls Status. Runner persists tasks in the SQLite store and executes them on
// a worker pool with heartbeats, stale-task reclamation, retry backoff, and
// retention expiry. Memory implements the same interface in process so tests
// can drive pipelines deterministically with RunPending.
package tasks
