// Package daemonrun owns the daemon process lifecycle: it builds the logger,
// runs preflight checks, opens the record store, wires the task runner and
// export components, and blocks until a shutdown signal arrives.
package daemonrun
