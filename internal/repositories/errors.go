package repositories

import (
	"errors"
	"fmt"
)

// StoreErrorKind categorises a store failure.
type StoreErrorKind string

const (
	StoreErrorNotFound    StoreErrorKind = "not_found"
	StoreErrorConflict    StoreErrorKind = "conflict"
	StoreErrorUnavailable StoreErrorKind = "unavailable"
	StoreErrorInternal    StoreErrorKind = "internal"
)

// StoreError is the RepositoryError returned by the memory and pebble backends.
type StoreError struct {
	Op   string
	Kind StoreErrorKind
	Err  error
}

var _ RepositoryError = (*StoreError)(nil)

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying error, if any.
func (e *StoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *StoreError) IsNotFound() bool    { return e != nil && e.Kind == StoreErrorNotFound }
func (e *StoreError) IsConflict() bool    { return e != nil && e.Kind == StoreErrorConflict }
func (e *StoreError) IsUnavailable() bool { return e != nil && e.Kind == StoreErrorUnavailable }

// NewNotFoundError reports a missing record.
func NewNotFoundError(op string, format string, args ...any) *StoreError {
	return &StoreError{Op: op, Kind: StoreErrorNotFound, Err: fmt.Errorf(format, args...)}
}

// NewConflictError reports a stale version or duplicate key.
func NewConflictError(op string, format string, args ...any) *StoreError {
	return &StoreError{Op: op, Kind: StoreErrorConflict, Err: fmt.Errorf(format, args...)}
}

// WrapStoreError classifies an unexpected backend failure as unavailable.
func WrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	return &StoreError{Op: op, Kind: StoreErrorUnavailable, Err: err}
}

// IsNotFound reports whether err carries a not-found classification.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries a conflict classification.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
