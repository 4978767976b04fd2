// Package errs classifies failures so that every rejected operation can be
// reported with a stable HTTP status and an err_msg.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	TypeInvalid   ErrorType = "invalid"
	TypeForbidden ErrorType = "forbidden"
	TypeNotFound  ErrorType = "not_found"
	TypeConflict  ErrorType = "conflict"
	TypeInternal  ErrorType = "internal"
)

// Error is a classified error. Message is safe to show to the requester.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
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

// Is matches another *Error of the same type, so callers can test with the
// package-level sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Message == ""
}

var (
	ErrInvalid   = &Error{Type: TypeInvalid}
	ErrForbidden = &Error{Type: TypeForbidden}
	ErrNotFound  = &Error{Type: TypeNotFound}
	ErrConflict  = &Error{Type: TypeConflict}
)

func newf(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

func Invalidf(format string, args ...interface{}) error {
	return newf(TypeInvalid, format, args...)
}

func Forbiddenf(format string, args ...interface{}) error {
	return newf(TypeForbidden, format, args...)
}

func NotFoundf(format string, args ...interface{}) error {
	return newf(TypeNotFound, format, args...)
}

func Conflictf(format string, args ...interface{}) error {
	return newf(TypeConflict, format, args...)
}

// Internal wraps an unexpected failure.
func Internal(msg string, cause error) error {
	return &Error{Type: TypeInternal, Message: msg, Cause: cause}
}

// TypeOf returns the type of the first classified error in err's chain, or
// TypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return TypeInternal
}

// HTTPStatus maps err to the status code an API should answer with.
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case TypeInvalid:
		return http.StatusBadRequest
	case TypeForbidden:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user facing message for err. Internal errors are not
// described beyond their top-level message.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Type == TypeInternal {
			return e.Message
		}
		return e.Error()
	}
	return err.Error()
}
