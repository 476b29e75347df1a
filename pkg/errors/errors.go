// Package errors provides coded errors for the cluster frame buffer.
//
// Codes separate failures the caller can act on:
//   - CONFIG: invalid construction or commit-time configuration
//   - TRANSPORT: a message could not be delivered, fatal for the session
//   - PROTOCOL: compositing bookkeeping was violated, fatal for the frame
//   - STALLED: a frame exceeded its grace period without completing
//   - CANCELLED: the frame or session was cancelled
//
// Usage:
//
//	err := errors.New(errors.ErrCodeConfig, "frame buffer size %v must be positive", size)
//	if errors.Is(err, errors.ErrCodeConfig) {
//	    // reject the configuration
//	}
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

const (
	ErrCodeConfig      Code = "CONFIG"
	ErrCodeTransport   Code = "TRANSPORT"
	ErrCodeProtocol    Code = "PROTOCOL"
	ErrCodeStalled     Code = "STALLED"
	ErrCodeCancelled   Code = "CANCELLED"
	ErrCodeUnsupported Code = "UNSUPPORTED"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether the outermost *Error in err's chain carries code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, or "" if it has none.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
