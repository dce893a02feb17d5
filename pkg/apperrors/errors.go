// Package apperrors defines the error taxonomy shared by every component of
// the activity core: validation, not-found, conflict, and retryable errors
// are distinguished by sentinel values and a typed ValidationError so that
// callers can use errors.Is/errors.As instead of string matching.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when a uniqueness constraint is violated
	// in a way that could not be resolved by internal retry.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrConflict is returned when a true conflict escapes internal retry
	// (e.g. a unique-timestamp lock exhausted its backoff budget).
	ErrConflict = errors.New("conflicting write")

	// ErrRetryable marks a transient failure (lock unavailable, backpressure)
	// whose retry budget has been exhausted. Background collectors treat
	// this the same as an internal error but log it at a lower severity.
	ErrRetryable = errors.New("transient failure, retry exhausted")

	// ErrUnauthorized is returned when a principal lacks view/act access to
	// a resource. The system does not distinguish unauthenticated from
	// forbidden at this layer (see spec.md §7).
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError wraps a single field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %q: %s", e.Field, e.Message)
}

// NewValidationError constructs a ValidationError for the named field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
