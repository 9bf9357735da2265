package storage

import "errors"

var (
	// ErrPositionNotFound is returned when no position matches the id.
	ErrPositionNotFound = errors.New("position not found")
	// ErrDuplicateID is returned when adding a position whose id exists.
	ErrDuplicateID = errors.New("position id already exists")
	// ErrTerminalStatus is returned when a write would move a position out
	// of a terminal status.
	ErrTerminalStatus = errors.New("position is in a terminal status")
)
