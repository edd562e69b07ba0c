package session

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned when a token fails signature, format or claim checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned for a correctly signed access token past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidRefreshToken covers every refresh failure: unknown, revoked,
	// expired, already rotated or bound to a terminated session.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrSessionNotFound is returned when no live session matches.
	ErrSessionNotFound = errors.New("session not found")

	// ErrLockTimeout is returned when a session row stayed locked past the
	// termination lock timeout, or the database aborted the transaction to
	// break a lock cycle. Callers may retry.
	ErrLockTimeout = errors.New("session lock timeout")

	// ErrPendingLoginUsed is returned when a pending-login ticket already
	// terminated a session.
	ErrPendingLoginUsed = errors.New("pending login ticket already used")

	// ErrMaxSessionsReached is the sentinel wrapped by MaxSessionsError.
	ErrMaxSessionsReached = errors.New("max sessions reached")

	// ErrInvalidDevice is returned for a malformed device descriptor.
	ErrInvalidDevice = errors.New("invalid device")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// MaxSessionsError reports that a user is at the session cap.
// Sessions is ordered most-recently-active first.
type MaxSessionsError struct {
	Limit    int
	Sessions []SessionView
}

func (e *MaxSessionsError) Error() string {
	return fmt.Sprintf("%s: %d of %d", ErrMaxSessionsReached.Error(), len(e.Sessions), e.Limit)
}

func (e *MaxSessionsError) Unwrap() error { return ErrMaxSessionsReached }

// AsMaxSessions extracts a *MaxSessionsError from err.
func AsMaxSessions(err error) (*MaxSessionsError, bool) {
	var me *MaxSessionsError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}
