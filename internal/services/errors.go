package services

import "errors"

// Service errors
var (
	// ErrRunNotFound is returned when a run id is unknown or was evicted.
	ErrRunNotFound = errors.New("estimation run not found")

	// ErrInvalidRunID is returned for ids that are not UUIDs.
	ErrInvalidRunID = errors.New("invalid run id")
)
