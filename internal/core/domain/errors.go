package domain

import (
	"errors"
	"fmt"
)

// Failure kinds. Match them with errors.Is.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrStorageFailure      = errors.New("storage failure")
	ErrDuplicateRequest    = errors.New("duplicate request")
)

var kinds = []error{
	ErrInvalidArgument,
	ErrNotFound,
	ErrInsufficientStock,
	ErrConcurrencyConflict,
	ErrDuplicateRequest,
	ErrStorageFailure,
}

// Error carries a failure kind, a human-readable reason and an optional cause.
type Error struct {
	Kind   error
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NewError returns an *Error of the given kind.
func NewError(kind error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// WrapError returns an *Error of the given kind caused by err.
func WrapError(kind error, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the failure kind of err. Errors that carry no known kind are
// storage failures; nil has no kind.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrStorageFailure
}

// Reason returns the human-readable reason of err without its cause chain.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsRetryable reports whether err is transient and may succeed when retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
