package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCapacityExceeded is returned when inserting a peer would exceed
	// the parent order's capacity. It is never a silent truncation.
	ErrCapacityExceeded = errors.New("order peer capacity exceeded")
)
