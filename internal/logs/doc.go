// Package logs reads the daemon's log files for the CLI.
//
// Tail returns the last N lines or everything after a byte offset, and can
// wait for new lines in follow mode. Filter narrows JSON-formatted lines by
// level, component, or batch so `chorus logs` can focus on one export.
package logs
