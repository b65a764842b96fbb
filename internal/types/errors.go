package types

import (
	"context"
	"errors"
	"fmt"
)

type ErrorClass string

const (
	ClassConfiguration ErrorClass = "configuration"
	ClassDecode        ErrorClass = "decode"
	ClassTransient     ErrorClass = "transient_provider"
	ClassFatal         ErrorClass = "fatal_provider"
	ClassCancelled     ErrorClass = "cancelled"
	ClassInternal      ErrorClass = "internal"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrCancelled = errors.New("job cancelled")
)

// Error carries the failure class alongside the operation that produced it.
type Error struct {
	Class   ErrorClass
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Op, e.Class, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func NewConfigurationError(format string, args ...any) *Error {
	return &Error{Class: ClassConfiguration, Message: fmt.Sprintf(format, args...)}
}

func NewDecodeError(op string, err error) *Error {
	return &Error{Class: ClassDecode, Op: op, Err: err}
}

func NewTransientError(op string, err error) *Error {
	return &Error{Class: ClassTransient, Op: op, Err: err}
}

func NewFatalError(op string, err error) *Error {
	return &Error{Class: ClassFatal, Op: op, Err: err}
}

func NewCancelledError(op string) *Error {
	return &Error{Class: ClassCancelled, Op: op, Err: ErrCancelled}
}

// ClassOf returns the class of the first classified error in the chain.
// Context cancellation is reported as cancelled, everything else
// unclassified as internal.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	return ClassInternal
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransient
}

// HTTPStatusError classifies a non-2xx provider response: 408, 429 and 5xx
// are transient, everything else (auth, malformed input) is fatal.
func HTTPStatusError(op string, status int, body string) *Error {
	if len(body) > 512 {
		body = body[:512]
	}
	err := fmt.Errorf("http %d: %s", status, body)
	if status == 408 || status == 429 || status >= 500 {
		return NewTransientError(op, err)
	}
	return NewFatalError(op, err)
}
