// Package fault defines the error taxonomy shared by every servobot component.
//
// Errors carry a machine-readable Code so callers can branch with errors.Is
// against the sentinels below, however deeply the error has been wrapped:
//
//	if errors.Is(err, fault.ErrConflict) {
//	    // another execution owns one of the servos
//	}
package fault

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an error outside the taxonomy.
	CodeUnknown Code = "UNKNOWN"

	CodeUnknownGroup     Code = "UNKNOWN_GROUP"
	CodeConflict         Code = "CONFLICT"
	CodeBusy             Code = "BUSY"
	CodeAngleOutOfRange  Code = "ANGLE_OUT_OF_RANGE"
	CodeHardware         Code = "HARDWARE_ERROR"
	CodeTimeout          Code = "TIMEOUT"
	CodeFilterDivergence Code = "FILTER_DIVERGENCE"
	CodeNotFound         Code = "NOT_FOUND"
)

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrUnknownGroup     = &Error{Code: CodeUnknownGroup, Message: "unknown action group"}
	ErrConflict         = &Error{Code: CodeConflict, Message: "servo already claimed"}
	ErrBusy             = &Error{Code: CodeBusy, Message: "busy"}
	ErrAngleOutOfRange  = &Error{Code: CodeAngleOutOfRange, Message: "angle out of range"}
	ErrHardware         = &Error{Code: CodeHardware, Message: "hardware error"}
	ErrTimeout          = &Error{Code: CodeTimeout, Message: "timeout"}
	ErrFilterDivergence = &Error{Code: CodeFilterDivergence, Message: "filter diverged"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Human-readable description
	Metadata map[string]string // Additional context (servo id, group name, ...)
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error with the given code that wraps cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// With returns a copy of e with key=value added to its metadata.
func (e *Error) With(key, value string) *Error {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	cp := *e
	cp.Metadata = md
	return &cp
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// ExitCode maps a code to the process exit status used by the CLI.
func (c Code) ExitCode() int {
	switch c {
	case "":
		return 0
	case CodeUnknownGroup, CodeNotFound:
		return 2
	case CodeConflict:
		return 3
	case CodeBusy:
		return 4
	case CodeAngleOutOfRange:
		return 5
	case CodeHardware:
		return 6
	case CodeTimeout:
		return 7
	case CodeFilterDivergence:
		return 8
	default:
		return 1
	}
}
