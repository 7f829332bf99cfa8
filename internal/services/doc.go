// Package services defines shared utilities consumed by every chorus
// component and by the HTTP transport.
//
// Key responsibilities:
//   - Context helpers that stamp batch IDs, unit IDs, task IDs, user IDs, and
//     correlation identifiers for logging and tracing.
//   - Sentinel error markers, structured errors that carry caller-visible
//     detail (counts, limits, reset times), and the Wrap helper that tags
//     failures with the component and operation that produced them.
//   - IsPermanent, which the task runner uses to decide whether a failed task
//     may be retried.
//
// Use these helpers when wiring new component logic so operational behaviour
// (error handling, observability, retries) stays uniform across the pipeline.
package services
