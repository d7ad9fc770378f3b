// Package errors provides the error kinds shared by every chainhunt component.
//
// Every public operation fails with an *Error whose Kind tells the caller what
// to do next: fix the input (KindInvalidInput), re-read and retry
// (KindConflict), pick a legal stage (KindInvalidTransition), or give up on an
// unknown identity (KindNotFound).
package errors

import (
	"errors"
	"fmt"
)

// =============================================================================
// Base Error Types
// =============================================================================

// Error is the base error type for all chainhunt errors.
type Error struct {
	// Kind indicates the category of error
	Kind Kind

	// Op is the operation being performed (e.g., "finding.Put")
	Op string

	// Message is a human-readable description
	Message string

	// Err is the underlying error
	Err error
}

// Kind represents the kind/category of error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindConflict
	KindInvalidTransition
	KindMixedCurrency
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindMixedCurrency:
		return "mixed_currency"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			if e.Message == "" {
				return fmt.Sprintf("%s: %v", e.Op, e.Err)
			}
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target.
// Two *Error values match when their kinds are equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// =============================================================================
// Constructors
// =============================================================================

// E constructs an Error from the given arguments.
// Arguments can be: Kind, string (Op then Message), error.
func E(args ...interface{}) error {
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Message = a
			}
		case error:
			e.Err = a
			if e.Kind == KindUnknown {
				e.Kind = GetKind(a)
			}
		}
	}
	return e
}

// Errorf constructs an Error with a formatted message.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// New creates a new simple error.
func New(message string) error {
	return &Error{Message: message}
}

// Wrap wraps an error with additional context, keeping its kind.
func Wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: GetKind(err), Op: op, Err: err}
}

// Internal wraps a storage or encoding failure.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// =============================================================================
// Error Checkers
// =============================================================================

// GetKind returns the Kind of the error, or KindUnknown.
func GetKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return GetKind(err) == KindInvalidInput
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return GetKind(err) == KindNotFound
}

// IsConflict checks if the error is an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return GetKind(err) == KindConflict
}

// IsInvalidTransition checks if the error is a rejected stage or status move.
func IsInvalidTransition(err error) bool {
	return GetKind(err) == KindInvalidTransition
}

// IsMixedCurrency checks if the error came from aggregating unconvertible currencies.
func IsMixedCurrency(err error) bool {
	return GetKind(err) == KindMixedCurrency
}

// IsRetryable reports whether re-reading and retrying may succeed.
// Only conflicts qualify; every other kind is deterministic for the same input.
func IsRetryable(err error) bool {
	return IsConflict(err)
}

// As is re-exported so callers need a single errors import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is re-exported so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// =============================================================================
// Common Errors
// =============================================================================

var (
	// ErrValidation matches any validation error via errors.Is.
	ErrValidation = &Error{Kind: KindInvalidInput, Message: "validation failed"}

	// ErrNotFound matches any not found error via errors.Is.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}

	// ErrConflict matches any version conflict via errors.Is.
	ErrConflict = &Error{Kind: KindConflict, Message: "version conflict"}

	// ErrInvalidTransition matches any rejected transition via errors.Is.
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition, Message: "invalid transition"}

	// ErrMixedCurrency matches any mixed-currency aggregation via errors.Is.
	ErrMixedCurrency = &Error{Kind: KindMixedCurrency, Message: "mixed currencies without conversion rates"}
)
