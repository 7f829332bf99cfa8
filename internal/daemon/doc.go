// Package daemon coordinates the long-running chorus process.
//
// It ties configuration, the record store, the background task workers, and
// the export components into a single lifecycle with flock-based locking to
// prevent multiple instances. The daemon serves the HTTP API, runs the alert
// monitor on its interval, and attempts scheduled exports under the system
// role.
//
// Keep orchestration logic here: consensus, export, download, and cleanup
// behavior live in their own packages while the daemon focuses on startup,
// shutdown, and request routing.
package daemon
