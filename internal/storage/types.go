package storage

import "errors"

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedVersion indicates a record written by a newer schema.
	ErrUnsupportedVersion = errors.New("unsupported record schema version")

	// ErrPersistenceUnavailable indicates the backend is failing and the
	// circuit breaker is rejecting calls.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)
