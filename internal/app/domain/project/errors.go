package project

import "errors"

// Registry operation failures. All are terminal validation errors: the
// operation rolls back and the caller must re-submit with corrected inputs.
var (
	// ErrNotFound means the project id is not registered.
	ErrNotFound = errors.New("project not found")

	// ErrDuplicate means the project id is already registered.
	ErrDuplicate = errors.New("project already exists")

	// ErrNotActive means the project no longer accepts the operation
	// because it is funded or closed.
	ErrNotActive = errors.New("project not active")

	// ErrDeadlinePassed means the funding deadline is in the past.
	ErrDeadlinePassed = errors.New("project deadline passed")

	// ErrStillActive means a close was attempted before the deadline with
	// the goal unmet.
	ErrStillActive = errors.New("project still active")

	// ErrUnauthorized means the caller is not the project owner.
	ErrUnauthorized = errors.New("caller is not the project owner")

	// ErrInsufficientFee means the submitted payment does not cover the
	// required creation fee.
	ErrInsufficientFee = errors.New("insufficient creation fee")
)
