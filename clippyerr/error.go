// Package clippyerr defines the error taxonomy shared by every layer that talks
// to a backend: configuration, protocol, validation, backend, type and
// selector failures.
package clippyerr

import (
	"errors"
	"fmt"
)

// ErrorType discriminates the kind of failure carried by an Error
type ErrorType int

const (
	// Configuration covers bad or non-executable backend paths and malformed handshakes
	Configuration ErrorType = iota
	// Protocol covers undecodable lines, unexpected status sequences and missing terminal status
	Protocol
	// Timeout is the protocol failure raised when no output arrives within the read budget
	Timeout
	// Validation means a dry run rejected the request
	Validation
	// Backend means a non dry-run exchange exited non-zero
	Backend
	// Type means a by-reference update targeted an unsupported argument type
	Type
	// InvalidSelector covers reserved selector names and unknown top-level selectors
	InvalidSelector
)

// String returns the error type name
func (t ErrorType) String() string {
	switch t {
	case Configuration:
		return "configuration"
	case Protocol:
		return "protocol"
	case Timeout:
		return "timeout"
	case Validation:
		return "validation"
	case Backend:
		return "backend"
	case Type:
		return "type"
	case InvalidSelector:
		return "invalid selector"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Error is the single concrete error type returned by the clippy packages
type Error struct {
	Type    ErrorType
	Message string
	// Stderr holds backend diagnostic text verbatim (Validation and Backend only)
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	switch e.Type {
	case Validation, Backend:
		if e.Message == "" {
			return e.Stderr
		}
		return e.Message
	}
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	return fmt.Sprintf("%s error: %s", e.Type, msg)
}

// Unwrap exposes the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by type. A Timeout also matches Protocol.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t.Message != "" || t.Err != nil {
		return false
	}
	if e.Type == t.Type {
		return true
	}
	return e.Type == Timeout && t.Type == Protocol
}

// Sentinels for errors.Is
var (
	ErrConfiguration   = &Error{Type: Configuration}
	ErrProtocol        = &Error{Type: Protocol}
	ErrTimeout         = &Error{Type: Timeout}
	ErrValidation      = &Error{Type: Validation}
	ErrBackend         = &Error{Type: Backend}
	ErrType            = &Error{Type: Type}
	ErrInvalidSelector = &Error{Type: InvalidSelector}
)

// Configurationf creates a Configuration error
func Configurationf(format string, args ...any) *Error {
	return &Error{Type: Configuration, Message: fmt.Sprintf(format, args...)}
}

// Protocolf creates a Protocol error
func Protocolf(format string, args ...any) *Error {
	return &Error{Type: Protocol, Message: fmt.Sprintf(format, args...)}
}

// Timeoutf creates a Timeout error
func Timeoutf(format string, args ...any) *Error {
	return &Error{Type: Timeout, Message: fmt.Sprintf(format, args...)}
}

// NewValidation creates a Validation error carrying backend stderr
func NewValidation(stderr string) *Error {
	return &Error{Type: Validation, Stderr: stderr}
}

// NewBackend creates a Backend error carrying backend stderr
func NewBackend(stderr string) *Error {
	return &Error{Type: Backend, Stderr: stderr}
}

// Typef creates a Type error
func Typef(format string, args ...any) *Error {
	return &Error{Type: Type, Message: fmt.Sprintf(format, args...)}
}

// InvalidSelectorf creates an InvalidSelector error
func InvalidSelectorf(format string, args ...any) *Error {
	return &Error{Type: InvalidSelector, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to an error of the given type
func Wrap(t ErrorType, err error, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Err: err}
}

// TypeOf reports the ErrorType of err if it is (or wraps) an *Error
func TypeOf(err error) (ErrorType, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return 0, false
}
