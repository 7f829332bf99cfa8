// Package main hosts the chorus CLI entrypoint and command graph.
//
// The Cobra command tree runs the daemon in the foreground, seeds the record
// store from fixture files, and turns terminal invocations into HTTP calls
// against the daemon API: consensus triggers, export batches, manual review,
// quota and alert inspection. Configuration resolution and API client setup
// live in commandContext so subcommands only deal with presentation.
//
// Add behavior to the internal packages first and surface it here through a
// dedicated command or flag.
package main
