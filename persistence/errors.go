package persistence

import (
	"errors"
	"fmt"
)

// ErrInstanceNotFound is returned when an operation addresses an instance_id
// that does not exist. Sleep setters on a missing instance must return this,
// never a silent no-op (spec §4.1 "Errors").
var ErrInstanceNotFound = errors.New("instance not found")

// ErrCheckpointNotFound is returned by LoadCheckpoint for a missing pair.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// ErrSignalTerminal is returned when a signal targets an instance whose
// status is completed, failed, or cancelled (Invariant 3).
var ErrSignalTerminal = errors.New("instance is in a terminal state")

// DatabaseError wraps a storage-layer failure with the operation that
// triggered it, matching spec §4.1's {operation, details} shape.
type DatabaseError struct {
	Operation string
	Details   string
	Cause     error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %s", e.Operation, e.Details)
}

func (e *DatabaseError) Unwrap() error {
	return e.Cause
}

func wrapDBErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Operation: op, Details: err.Error(), Cause: err}
}
