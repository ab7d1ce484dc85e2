package restlet

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Error is an error with an HTTP status. Message and Details are returned
// to the client; Cause is only logged.
type Error struct {
	Status  int
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Message, e.Cause)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithDetail sets a detail key and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func newError(status int, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) *Error {
	return newError(http.StatusBadRequest, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newError(http.StatusUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(http.StatusForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(http.StatusNotFound, format, args...)
}

func MethodNotAllowed(format string, args ...any) *Error {
	return newError(http.StatusMethodNotAllowed, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(http.StatusConflict, format, args...)
}

func NotImplemented(format string, args ...any) *Error {
	return newError(http.StatusNotImplemented, format, args...)
}

// AsError converts any error into an *Error. PostgreSQL errors are mapped by
// SQLSTATE; anything unrecognised becomes a 500 that hides the cause.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{Status: http.StatusNotFound, Message: "not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fromPgError(pgErr)
	}

	return &Error{Status: http.StatusInternalServerError, Message: "internal server error", Cause: err}
}

func fromPgError(pgErr *pgconn.PgError) *Error {
	e := &Error{Cause: pgErr}
	switch pgErr.Code {
	case "23505": // unique_violation
		e.Status, e.Message = http.StatusConflict, "duplicate value"
	case "23502", "23503", "23514", "22P02", "22001", "22003", "22007", "22008", "42703":
		e.Status, e.Message = http.StatusBadRequest, pgErr.Message
	case "42501": // insufficient_privilege
		e.Status, e.Message = http.StatusForbidden, "permission denied"
	case "42P01": // undefined_table
		e.Status, e.Message = http.StatusNotFound, "relation not found"
	default:
		e.Status, e.Message = http.StatusInternalServerError, "database error"
	}
	if pgErr.ColumnName != "" {
		e.WithDetail("column", pgErr.ColumnName)
	}
	return e
}
