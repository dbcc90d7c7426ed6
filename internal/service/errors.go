package service

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a service error into a stable status class.
type ErrorCode string

const (
	CodeNotFound     ErrorCode = "not_found"
	CodeConflict     ErrorCode = "conflict"
	CodeBadRequest   ErrorCode = "bad_request"
	CodeForbidden    ErrorCode = "forbidden"
	CodeUnauthorized ErrorCode = "unauthorized"
	CodeInternal     ErrorCode = "internal"
)

// Error is a service error with a status class and a human message.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NotFoundf returns a not-found error.
func NotFoundf(format string, args ...interface{}) error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf returns a conflict error.
func Conflictf(format string, args ...interface{}) error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// BadRequestf returns a bad-request error.
func BadRequestf(format string, args ...interface{}) error {
	return &Error{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Forbiddenf returns a forbidden error.
func Forbiddenf(format string, args ...interface{}) error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// Unauthorizedf returns an unauthorized error.
func Unauthorizedf(format string, args ...interface{}) error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the status class from err, defaulting to CodeInternal.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given status class.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
