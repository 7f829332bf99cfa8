// Package preflight verifies the environment before the daemon starts
// accepting work: the data, export, and temp directories must be writable
// and, for remote storage, the bucket must be reachable.
package preflight
