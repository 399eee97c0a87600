package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCronExpression is returned when an expression does not reduce
	// to five cron fields or cannot be parsed.
	ErrInvalidCronExpression = errors.New("invalid cron expression")

	// ErrTooManyRecipients is returned before any send when a request names
	// more recipients than a single dispatch allows.
	ErrTooManyRecipients = errors.New("too many recipients")

	// ErrNotFoundOrUnauthorized covers both missing jobs and jobs owned by
	// someone else so that callers cannot learn whether it exists.
	ErrNotFoundOrUnauthorized = errors.New("not found or unauthorized")

	// ErrInvalidUserID is returned for empty or reserved user ids.
	ErrInvalidUserID = errors.New("invalid user id")
)

// ValidationError rejects a request before it has any side effect.
type ValidationError struct {
	Field string
	Err   error
}

// Invalid wraps err as a validation failure on field.
func Invalid(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}

// Invalidf builds a validation failure from a format string.
func Invalidf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Err: fmt.Errorf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// SessionInitError means the messaging client for a user could not be brought
// up. The session stays in a retryable state.
type SessionInitError struct {
	UserID   string
	Attempts int
	Err      error
}

func (e *SessionInitError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("initialize session for %s after %d attempts: %v", e.UserID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("initialize session for %s: %v", e.UserID, e.Err)
}

func (e *SessionInitError) Unwrap() error { return e.Err }

// DispatchError is a single recipient's send failure.
type DispatchError struct {
	Recipient string
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// PersistenceError is a durable-store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
