package errors

import (
	"errors"
	"fmt"
)

// Kind classifies failures raised by the estimation pipeline.
type Kind string

const (
	// KindValidation marks bad input data or configuration.
	KindValidation Kind = "VALIDATION"
	// KindEstimation marks numerical or structural failures while fitting.
	KindEstimation Kind = "ESTIMATION"
)

// Sentinels for errors.Is checks. Every *Error matches the sentinel of its Kind.
var (
	ErrValidation = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrEstimation = &Error{Kind: KindEstimation, Message: "estimation failed"}

	// ErrAbsorbingNotImplemented is returned when the absorbing fixed-effect
	// mode is requested.
	ErrAbsorbingNotImplemented = errors.New("fe=absorbing is planned but not yet implemented; use fe=twoway")
)

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrEstimation:
		return e.Kind == KindEstimation
	}
	return false
}

// WithContext attaches a key/value pair surfaced in API problem responses.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Validation creates a validation error for op.
func Validation(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Estimation creates an estimation error for op.
func Estimation(op, format string, args ...interface{}) *Error {
	return &Error{Kind: KindEstimation, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapEstimation creates an estimation error carrying cause.
func WrapEstimation(op string, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindEstimation, Op: op, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsEstimation reports whether err is an estimation failure.
func IsEstimation(err error) bool {
	return errors.Is(err, ErrEstimation)
}
