// Package errs defines the structured error kinds ember surfaces to callers.
//
// Every error the engine returns carries a Code that callers can switch on
// without parsing messages, plus whatever structured context (segment id,
// byte offset, path) was available at the point of failure.
package errs

import "fmt"

// Code categorizes an error the way callers need to branch on it.
type Code string

const (
	// IO covers any underlying storage failure (open, read, write, sync, rename).
	IO Code = "IO"
	// CorruptRecord means a record failed to decode: bad length, truncated input.
	CorruptRecord Code = "CORRUPT_RECORD"
	// CorruptBlock means a block fragment stream is malformed (MIDDLE/END with no START).
	CorruptBlock Code = "CORRUPT_BLOCK"
	// Invariant means a consistency or precondition check failed: an empty
	// key, an invalid Config, or a call on a closed engine. Only the
	// closed-engine case leaves the engine unusable.
	Invariant Code = "INVARIANT"
	// NotRecovered means Open was called but a WAL or backup WAL exists on disk
	// and Recover should have been called instead.
	NotRecovered Code = "NOT_RECOVERED"
)

// Error is the concrete error type returned across ember's public surface.
type Error struct {
	code    Code
	message string
	cause   error
	details map[string]any
}

// New creates an Error with the given code and message, optionally wrapping cause.
func New(code Code, message string, cause error) *Error {
	return &Error{code: code, message: message, cause: cause}
}

// WithDetail attaches a key/value pair of structured context to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any, 2)
	}
	e.details[key] = value
	return e
}

// WithSegment records which segment id was involved.
func (e *Error) WithSegment(id uint64) *Error {
	return e.WithDetail("segment_id", id)
}

// WithOffset records the byte offset within a file where the failure occurred.
func (e *Error) WithOffset(offset int64) *Error {
	return e.WithDetail("offset", offset)
}

// WithPath records the file path involved in the failure.
func (e *Error) WithPath(path string) *Error {
	return e.WithDetail("path", path)
}

// Code returns the error's category.
func (e *Error) Code() Code { return e.code }

// Details returns the structured context attached to the error.
func (e *Error) Details() map[string]any { return e.details }

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

// Unwrap exposes the wrapped cause so errors.Is/errors.As keep working.
func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the Code from err, or "" if err isn't an *Error.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.code
	}
	return ""
}
