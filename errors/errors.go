// Package errors provides the structured error types used across the
// deltasync engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for programmatic handling.
type Kind string

const (
	KindUnknownEntityType Kind = "UNKNOWN_ENTITY_TYPE"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindStorage           Kind = "STORAGE_FAILURE"
	KindValidation        Kind = "VALIDATION_FAILURE"
)

// Op names the operation during which the error occurred, in
// "component.Method" form (e.g. "sqlite.FindChangedSince").
type Op string

// Component names the subsystem that generated the error (e.g. "storage/sqlite").
type Component string

// SyncError is the error type produced by the engine and its storage
// backends.
type SyncError struct {
	Op        Op
	Component Component
	Kind      Kind
	Err       error
	Retryable bool
	Metadata  map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s failed in %s", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s failed", e.Op)
	}
	if e.Kind != "" {
		msg += fmt.Sprintf(" [%s]", e.Kind)
	}
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a *SyncError from its arguments. Accepted types: Op, Component,
// Kind, bool (retryable), error (the cause), and string (converted to an
// error when no cause was given).
func E(args ...interface{}) error {
	e := &SyncError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = a
		case Component:
			e.Component = a
		case Kind:
			e.Kind = a
		case bool:
			e.Retryable = a
		case *SyncError:
			e.Err = a
			if e.Kind == "" {
				e.Kind = a.Kind
			}
		case error:
			e.Err = a
		case string:
			if e.Err == nil {
				e.Err = errors.New(a)
			}
		}
	}
	return e
}

// NewStorageError wraps an adapter-level I/O failure. Storage failures are
// considered retryable.
func NewStorageError(op Op, component Component, cause error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Kind:      KindStorage,
		Err:       cause,
		Retryable: true,
	}
}

// NewNotFoundError reports a lookup that targeted a nonexistent entity.
func NewNotFoundError(op Op, entityID string) *SyncError {
	return &SyncError{
		Op:   op,
		Kind: KindNotFound,
		Err:  fmt.Errorf("entity %s not found", entityID),
	}
}

// NewValidationError reports malformed caller input.
func NewValidationError(op Op, cause error) *SyncError {
	return &SyncError{
		Op:   op,
		Kind: KindValidation,
		Err:  cause,
	}
}

// KindOf returns the Kind of err, or the empty Kind when err is not a
// SyncError.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// IsNotFound reports whether err is a SyncError of kind NOT_FOUND.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsUnknownEntityType reports whether err is a SyncError of kind
// UNKNOWN_ENTITY_TYPE.
func IsUnknownEntityType(err error) bool {
	return KindOf(err) == KindUnknownEntityType
}

// IsRetryable reports whether err is a SyncError marked retryable.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}
