package shared

import "errors"

var (
	// ErrNotFound indicates resource not found or not owned by the caller.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition indicates a lifecycle change that is never allowed.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict indicates a write lost a race or repeats an earlier request.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized indicates the caller could not be identified.
	ErrUnauthorized = errors.New("unauthorized")
)
