package store

import "errors"

var (
	// ErrNotFound is returned by updates that target a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a batch or task is not in the
	// state an update requires.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyExported is returned when completing a batch would include a
	// unit that another completed batch already exported.
	ErrAlreadyExported = errors.New("unit already exported")
)
