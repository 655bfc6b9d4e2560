// Package apperr holds the failure taxonomy shared by the job store, the
// pipeline and the HTTP API.
package apperr

import (
	"errors"
	"fmt"
)

// Code categorizes a failure.
type Code string

const (
	// CodeNotFound marks an unknown job or an unresolvable document.
	CodeNotFound Code = "not_found"
	// CodeValidation marks input or context text that fails the minimum checks.
	CodeValidation Code = "validation"
	// CodeUpstream marks a retrieval or generation backend fault at the transport level.
	CodeUpstream Code = "upstream_fault"
	// CodeMalformed marks generation output that could not be decoded.
	CodeMalformed Code = "malformed_output"
	// CodeInvalidTransition marks a forbidden job status change.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeInternal is used for anything else.
	CodeInternal Code = "internal"
)

// Error is a categorized failure with an optional cause and offending field.
type Error struct {
	Code    Code
	Message string
	// Field names the offending input, for example "cv" or "case-brief".
	Field string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NotFound reports that the resource of the given kind and id does not exist.
func NotFound(kind, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, id),
		Field:   kind,
	}
}

// Validation builds a validation failure for field.
func Validation(field, format string, args ...any) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: fmt.Sprintf(format, args...),
		Field:   field,
	}
}

// Upstream wraps a backend transport failure.
func Upstream(cause error, format string, args ...any) *Error {
	return &Error{
		Code:    CodeUpstream,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Malformed reports undecodable generation output for the named stage.
func Malformed(stage, snippet string) *Error {
	return &Error{
		Code:    CodeMalformed,
		Message: fmt.Sprintf("%s stage returned malformed output: %q", stage, snippet),
		Field:   stage,
	}
}

// InvalidTransition reports a forbidden status change.
func InvalidTransition(id string, from, to fmt.Stringer) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("job %q cannot move from %s to %s", id, from, to),
	}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}

// CodeOf returns the code of the first *Error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// FieldOf returns the offending field of the first *Error in the chain.
func FieldOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
