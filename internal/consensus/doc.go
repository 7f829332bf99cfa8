// Package consensus scores agreement among candidate transcriptions of a unit
// and decides whether the unit is ready for export.
//
// Evaluate is a pure function over candidate texts and qualities. Engine wraps
// it with the per-unit advisory lock, persistence of the outcome, the daily
// evaluation counters read by the alert monitor, and the manual review queue.
package consensus
