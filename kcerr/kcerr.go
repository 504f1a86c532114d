// Package kcerr defines the error kinds produced by the kernel-call runtime.
//
// The runtime's decode, compile, resolve and launch paths return one of
// these three kinds directly, without further wrapping as they propagate.
// Callers that need to recover the kind use errors.As (see Is).
package kcerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// InvalidArgumentKind covers malformed opaque blobs, unknown parameter
	// tags, unknown outer variants, pointer misalignment, and shared-memory
	// requests that exceed the device.
	InvalidArgumentKind Kind = iota
	// DeviceErrorKind covers any driver-API failure, surfaced verbatim with
	// its driver message.
	DeviceErrorKind
	// CompileErrorKind covers external assembly-compiler failures, surfaced
	// verbatim.
	CompileErrorKind
)

func (k Kind) String() string {
	switch k {
	case InvalidArgumentKind:
		return "InvalidArgument"
	case DeviceErrorKind:
		return "DeviceError"
	case CompileErrorKind:
		return "CompileError"
	default:
		return "Unknown"
	}
}

// Error is a typed error carrying one of the three kinds above plus a
// human-readable message. Error() returns the bare text the entry point
// writes to the host framework's status sink -- the kind itself is never
// surfaced to the caller, only used internally for classification.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// InvalidArgument constructs an InvalidArgumentKind error.
func InvalidArgument(format string, args ...interface{}) *Error {
	return &Error{Kind: InvalidArgumentKind, Msg: fmt.Sprintf(format, args...)}
}

// DeviceError constructs a DeviceErrorKind error.
func DeviceError(format string, args ...interface{}) *Error {
	return &Error{Kind: DeviceErrorKind, Msg: fmt.Sprintf(format, args...)}
}

// CompileError constructs a CompileErrorKind error.
func CompileError(format string, args ...interface{}) *Error {
	return &Error{Kind: CompileErrorKind, Msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err (or something it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind == kind
	}
	return false
}
