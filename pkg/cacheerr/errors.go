// Package cacheerr defines the error taxonomy of the cache engine.
//
// Errors originating in the caller's fill function are propagated verbatim
// and never wrapped by the cache. Errors defined here originate inside the
// cache's own storage and compression layers; the facade absorbs them and
// converts them to misses so cache failures never make the system less
// available than having no cache at all.
package cacheerr

import (
	"errors"
	"fmt"
)

// Code classifies an internal cache error.
type Code string

const (
	// CodeCorruptEntry marks a payload that failed decompression,
	// deserialization, or checksum verification. Handled as an implicit
	// miss plus eviction of the offending record.
	CodeCorruptEntry Code = "CORRUPT_ENTRY"

	// CodeEntryTooLarge marks a single entry whose payload exceeds a
	// tier's whole byte budget. The insert is rejected; the computed value
	// is still returned to the caller.
	CodeEntryTooLarge Code = "ENTRY_TOO_LARGE"

	// CodeStorageUnavailable marks the cold tier's backing storage as
	// inaccessible. The cold tier degrades to always-miss until the
	// storage recovers.
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	// CodeNotFound marks a record absent from a backing store.
	CodeNotFound Code = "NOT_FOUND"

	// CodeClosed marks an operation against a closed cache.
	CodeClosed Code = "CACHE_CLOSED"

	// CodeInvalidConfig marks a configuration that failed validation.
	CodeInvalidConfig Code = "INVALID_CONFIG"
)

// Sentinel errors for errors.Is checks on the common paths.
var (
	ErrCorruptEntry       = &Error{Code: CodeCorruptEntry, Message: "corrupt cache entry"}
	ErrEntryTooLarge      = &Error{Code: CodeEntryTooLarge, Message: "entry exceeds tier budget"}
	ErrStorageUnavailable = &Error{Code: CodeStorageUnavailable, Message: "cold storage unavailable"}
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "record not found"}
	ErrClosed             = &Error{Code: CodeClosed, Message: "cache is closed"}
)

// Error is a structured cache error carrying a code, the operation that
// produced it, and the underlying cause.
type Error struct {
	Code      Code
	Operation string
	Message   string
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Operation != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %s: %v", e.Operation, e.Code, e.Message, e.Cause)
	case e.Operation != "":
		return fmt.Sprintf("[%s] %s: %s", e.Operation, e.Code, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so wrapped errors compare equal
// to the package sentinels.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Wrap builds a coded error around a cause.
func Wrap(code Code, operation string, cause error) *Error {
	return &Error{
		Code:      code,
		Operation: operation,
		Message:   messageFor(code),
		Cause:     cause,
	}
}

// New builds a coded error without a cause.
func New(code Code, operation, message string) *Error {
	return &Error{Code: code, Operation: operation, Message: message}
}

func messageFor(code Code) string {
	switch code {
	case CodeCorruptEntry:
		return "corrupt cache entry"
	case CodeEntryTooLarge:
		return "entry exceeds tier budget"
	case CodeStorageUnavailable:
		return "cold storage unavailable"
	case CodeNotFound:
		return "record not found"
	case CodeClosed:
		return "cache is closed"
	case CodeInvalidConfig:
		return "invalid configuration"
	default:
		return "cache error"
	}
}

// Retryable reports whether the error is worth retrying against the
// backing store. Corruption and absence are terminal for a record.
func Retryable(err error) bool {
	var coded *Error
	if errors.As(err, &coded) {
		switch coded.Code {
		case CodeCorruptEntry, CodeNotFound, CodeEntryTooLarge, CodeClosed, CodeInvalidConfig:
			return false
		}
	}
	return err != nil
}
