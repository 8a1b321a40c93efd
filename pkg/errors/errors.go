// Package errors provides structured error handling for marketpipe.
//
// Every failure crossing a package boundary is classified by Kind so
// callers can branch on error category instead of matching message
// strings: configuration errors are never retried, transient errors
// are retried and feed the circuit breaker, and circuit-open
// rejections are synthetic errors distinct from the underlying cause.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the category of an error.
type Kind string

const (
	// KindConfig represents configuration errors: unregistered source
	// type, malformed query string, missing file. Never retried.
	KindConfig Kind = "config"
	// KindTransient represents transport failures: network errors,
	// non-2xx responses, database busy. Retried per retry config.
	KindTransient Kind = "transient"
	// KindCircuitOpen represents a fail-fast rejection by an open
	// circuit breaker.
	KindCircuitOpen Kind = "circuit_open"
	// KindData represents data decoding/normalization errors.
	KindData Kind = "data"
	// KindQuery represents query execution errors.
	KindQuery Kind = "query"
	// KindInternal represents internal system errors.
	KindInternal Kind = "internal"
)

// Error is a structured error with a kind and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a kind and context message.
// Returns nil if err is nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// IsKind reports whether err is (or wraps) an Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// IsRetryable reports whether err represents a failure worth retrying.
// Only transient and query errors qualify; configuration errors and
// circuit-open rejections do not.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		// Unclassified errors come from transports and are treated
		// as transient.
		return err != nil
	}
	switch e.Kind {
	case KindTransient, KindQuery:
		return true
	default:
		return false
	}
}

// CircuitOpenError is returned when a circuit breaker rejects a call
// without invoking the underlying fetch. RetryAfter estimates how long
// until the breaker will admit a probe request.
type CircuitOpenError struct {
	Source     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit_open: source %s unavailable, retry in %.0fs",
		e.Source, e.RetryAfter.Seconds())
}

// CircuitOpen creates a circuit-open rejection for a source.
func CircuitOpen(source string, retryAfter time.Duration) *CircuitOpenError {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &CircuitOpenError{Source: source, RetryAfter: retryAfter}
}

// IsCircuitOpen reports whether err is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	var e *CircuitOpenError
	return errors.As(err, &e)
}

// As is a re-export of the standard library errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Is is a re-export of the standard library errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
