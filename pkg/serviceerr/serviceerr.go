// Package serviceerr defines the RPC-level error taxonomy used at the
// service boundary. Domain packages return plain wrapped errors (sentinel
// errors such as storage.ErrNotFound); the service facade maps them once,
// here, into a code a client can branch on.
package serviceerr

import (
	"errors"
	"fmt"
)

// Code is an RPC-level error classification.
type Code string

const (
	InvalidArgument    Code = "invalid_argument"
	NotFound           Code = "not_found"
	Unavailable        Code = "unavailable"
	Internal           Code = "internal"
	DeadlineExceeded   Code = "deadline_exceeded"
	Cancelled          Code = "cancelled"
	FailedPrecondition Code = "failed_precondition"
)

// Error is a code-classified, field-naming service error.
type Error struct {
	Code   Code
	Field  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Reason, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the given code and human-readable reason.
func New(code Code, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// InvalidField builds an InvalidArgument error naming the offending field.
func InvalidField(field, reason string) *Error {
	return &Error{Code: InvalidArgument, Field: field, Reason: reason}
}

// Wrap classifies an underlying error as Internal, preserving it via Unwrap.
func Wrap(err error, reason string) *Error {
	return &Error{Code: Internal, Reason: reason, Err: err}
}

// NotFoundf builds a NotFound error naming the missing resource.
func NotFoundf(field, format string, args ...any) *Error {
	return &Error{Code: NotFound, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Unavailablef builds an Unavailable error with a human-readable reason,
// for features that are disabled or still starting up.
func Unavailablef(format string, args ...any) *Error {
	return &Error{Code: Unavailable, Reason: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, defaulting
// to Internal for unclassified errors.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return Internal
}
