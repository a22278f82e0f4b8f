package portal

import (
	"errors"
	"fmt"
)

// ErrUnauthorized marks a 401-class response on an authenticated call.
// The session has been invalidated; callers may retry once with a fresh
// session. Distinct from AuthError, which means the credentials themselves
// were rejected at login and no retry can help.
var ErrUnauthorized = errors.New("portal: unauthorized")

// AuthError is terminal: the portal rejected the configured credentials.
// It is never retried automatically; the user has to fix the account.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("portal: authentication failed: %s", e.Reason)
}

// ConnError is a transient network- or protocol-level failure. Retryable.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("portal: %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// BookingRejectedError carries the portal's stated rejection reason verbatim.
type BookingRejectedError struct {
	StatusCode int
	Reason     string
}

func (e *BookingRejectedError) Error() string {
	return fmt.Sprintf("portal: booking rejected (status %d): %s", e.StatusCode, e.Reason)
}

// IsAuth reports whether err is a terminal credential rejection.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsConn reports whether err is a transient connection-level failure.
func IsConn(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce)
}

func connErr(op string, err error) *ConnError {
	return &ConnError{Op: op, Err: err}
}

func connErrf(op, format string, args ...any) *ConnError {
	return &ConnError{Op: op, Err: fmt.Errorf(format, args...)}
}
