package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrClaimLost is returned when a completion's claim id no longer matches
	// the row, because the row was reclaimed as stale by another evaluator.
	ErrClaimLost = errors.New("storage: claim lost")

	// ErrInvalidTransition is returned when a write would move a feedback
	// result backwards or out of a terminal status.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
)
