// Package logging builds the slog loggers chorus components share.
//
// Console output is a single line per record with the component, batch,
// unit and task pulled forward as a subject. Files listed in
// Options.RecordPaths always receive JSON so `chorus logs` can filter them.
// Helpers such as WarnWithContext keep event_type and error_hint present on
// every warning.
package logging
