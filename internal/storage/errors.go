package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrStatusConflict is returned when a guarded update finds the row in a
	// status other than the ones it was allowed to move from.
	ErrStatusConflict = errors.New("storage: run status changed concurrently")
)
