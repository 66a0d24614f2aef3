package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors by code so sentinels survive Clone and Wrap.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e != nil && e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrPreconditionFailed = New("PRECONDITION_FAILED", http.StatusPreconditionFailed, "precondition failed")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss          = New("CACHE_MISS", http.StatusNotFound, "cache miss")
)

// Registration and payment outcomes. Expected business results, reported to
// the caller and never retried internally.
var (
	ErrCapacityExceeded      = New("CAPACITY_EXCEEDED", http.StatusConflict, "section is full")
	ErrDuplicateRegistration = New("DUPLICATE_REGISTRATION", http.StatusConflict, "student already registered for section")
	ErrLockTimeout           = New("LOCK_TIMEOUT", http.StatusServiceUnavailable, "resource busy, try again")
	ErrInvalidTransition     = New("INVALID_TRANSITION", http.StatusConflict, "status transition not permitted")
	ErrUnknownTransaction    = New("UNKNOWN_TRANSACTION", http.StatusNotFound, "payment transaction not found")
	ErrUnknownProvider       = New("UNKNOWN_PROVIDER", http.StatusBadRequest, "payment provider not recognised")
	ErrInvalidSignature      = New("INVALID_SIGNATURE", http.StatusUnauthorized, "callback signature verification failed")
	ErrMalformedPayload      = New("MALFORMED_PAYLOAD", http.StatusBadRequest, "callback payload could not be parsed")

	// ErrInvariant marks internal-consistency violations such as a negative
	// seat counter. Logged at error level, surfaced as 500, never downgraded
	// to a business error.
	ErrInvariant = New("INVARIANT_VIOLATION", http.StatusInternalServerError, "internal consistency violation")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}
