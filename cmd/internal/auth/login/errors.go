package login

import (
	"errors"
	"fmt"
	"time"

	"sessiongate/cmd/internal/auth/session"
)

var (
	// ErrInvalidCredentials covers unknown users, wrong passwords and inactive accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidTicket is returned for a missing, forged, expired or already
	// spent pending-login ticket.
	ErrInvalidTicket = errors.New("invalid pending login ticket")

	// ErrInvalidTransition is returned when a Flow step does not apply to its current state.
	ErrInvalidTransition = errors.New("invalid login flow transition")
)

// ChoiceRequiredError is returned when the user is at the session cap.
// It unwraps to session.ErrMaxSessionsReached.
type ChoiceRequiredError struct {
	Limit           int
	Sessions        []session.SessionView
	Ticket          string
	TicketExpiresAt time.Time
}

func (e *ChoiceRequiredError) Error() string {
	return fmt.Sprintf("%s: choose one of %d sessions to end", session.ErrMaxSessionsReached.Error(), len(e.Sessions))
}

func (e *ChoiceRequiredError) Unwrap() error { return session.ErrMaxSessionsReached }

// AsChoiceRequired extracts a *ChoiceRequiredError from err.
func AsChoiceRequired(err error) (*ChoiceRequiredError, bool) {
	var ce *ChoiceRequiredError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
