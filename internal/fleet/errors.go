package fleet

import "errors"

var (
	// ErrUnauthorized is returned when a device token does not match.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound is returned for unknown device or command ids.
	ErrNotFound = errors.New("not found")
	// ErrTransport is returned when a send on a live connection fails.
	ErrTransport = errors.New("transport failure")
	// ErrConflict is returned when an optimistic status guard loses.
	ErrConflict = errors.New("conflict")
	// ErrStorage wraps durable write and read failures.
	ErrStorage = errors.New("storage failure")
	// ErrInvalid is returned for rejected input.
	ErrInvalid = errors.New("invalid request")
)
