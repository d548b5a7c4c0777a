package realtime

import (
	"errors"
	"fmt"
	"strings"
)

const (
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusNotFound            = 404
	StatusConflict            = 409
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

// Error represents an error raised inside the realtime gateway.
// Scope names the component or channel the error belongs to, Code is an
// HTTP-like status, and Temporary marks errors a caller may retry.
type Error struct {
	Scope     string      `json:"scope,omitempty"`
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Temporary bool        `json:"temporary"`
	Details   interface{} `json:"details,omitempty"`
	cause     error
}

func (e *Error) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s: %s (code: %d)", e.Scope, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (code: %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func (e *Error) withDetails(details interface{}) *Error {
	e.Details = details
	return e
}

func wrap(err error, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return &Error{
			Scope:     e.Scope,
			Message:   fmt.Sprintf("%s: %s", message, e.Message),
			Code:      e.Code,
			Temporary: e.Temporary,
			Details:   e.Details,
			cause:     e.cause,
		}
	}
	return &Error{
		Message: fmt.Sprintf("%s: %s", message, err),
		Code:    StatusInternalServerError,
		cause:   err,
	}
}

func wrapF(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, fmt.Sprintf(format, args...))
}

func badRequest(scope, message string) *Error {
	return &Error{
		Scope:     scope,
		Message:   message,
		Code:      StatusBadRequest,
		Temporary: false,
	}
}

func notFound(scope, message string) *Error {
	return &Error{
		Scope:     scope,
		Message:   message,
		Code:      StatusNotFound,
		Temporary: false,
	}
}

func conflict(scope, message string) *Error {
	return &Error{
		Scope:     scope,
		Message:   message,
		Code:      StatusConflict,
		Temporary: false,
	}
}

func unauthorized(scope, message string) *Error {
	return &Error{
		Scope:     scope,
		Message:   message,
		Code:      StatusUnauthorized,
		Temporary: false,
	}
}

func internal(scope, message string) *Error {
	return &Error{
		Scope:     scope,
		Message:   message,
		Code:      StatusInternalServerError,
		Temporary: false,
	}
}

func unavailable(scope, message string) *Error {
	return &Error{
		Scope:     scope,
		Message:   message,
		Code:      StatusServiceUnavailable,
		Temporary: true,
	}
}

func timeout(scope, message string) *Error {
	return &Error{
		Scope:     scope,
		Message:   message,
		Code:      StatusGatewayTimeout,
		Temporary: true,
	}
}

type MultiError struct {
	errors []error
}

func (m *MultiError) Error() string {
	if len(m.errors) == 0 {
		return "no errors"
	}
	messages := make([]string, len(m.errors))

	for i, err := range m.errors {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.errors
}

func combine(errs ...error) error {

	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	if len(nonNil) == 1 {
		return nonNil[0]
	}
	return &MultiError{errors: nonNil}
}

func addError(base, new error) error {
	if base == nil {
		return new
	}
	if new == nil {
		return base
	}

	var me *MultiError
	if errors.As(base, &me) {
		me.errors = append(me.errors, new)

		return me
	}
	return &MultiError{errors: []error{base, new}}
}

// errorFrame converts an error into a server-to-client error event.
// Gateway errors keep their code and temporary flag; anything else is
// reported with just its message.
func errorFrame(err error) *Frame {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		message := e.Message
		if e.cause != nil {
			message = e.cause.Error()
		}
		return newFrame(string(EventError), map[string]interface{}{
			"code":      e.Code,
			"details":   e.Details,
			"temporary": e.Temporary,
			"message":   message,
		}, SystemUserID)
	}

	return newFrame(string(EventError), map[string]interface{}{
		"message": err.Error(),
	}, SystemUserID)
}
