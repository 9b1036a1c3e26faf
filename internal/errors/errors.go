// Package errors defines the error taxonomy shared by the archive client,
// parser, store, and updater. Every error carries a Kind so callers can
// decide between retrying, skipping, and aborting without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the update run should react to it.
type Kind string

const (
	// KindTransient marks a retryable fetch failure (timeout, dropped
	// connection). Bounded retries, then demoted to a skip.
	KindTransient Kind = "TRANSIENT"

	// KindNotFound marks an archive item or cache row that does not exist.
	// Never retried; reported to the caller or logged as a skip.
	KindNotFound Kind = "NOT_FOUND"

	// KindParse marks a file- or block-scoped parse failure. Never fatal to
	// an update run; aggregated into the run summary.
	KindParse Kind = "PARSE"

	// KindValidation marks malformed input to a store or parser call,
	// rejected before any effect.
	KindValidation Kind = "VALIDATION"

	// KindCache marks a storage-layer failure. Fatal: the current update run
	// aborts without advancing the watermark past the last committed month.
	KindCache Kind = "CACHE"
)

// Error is the structured error used throughout the cache.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target is an Error of the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from an error chain, or "" if the chain contains
// no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the error chain contains a transient error.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsNotFound reports whether the error chain contains a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsFatal reports whether the error should abort the current update run.
func IsFatal(err error) bool {
	return KindOf(err) == KindCache
}
