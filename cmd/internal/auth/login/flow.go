package login

import (
	"context"
	"errors"
	"time"

	"sessiongate/cmd/internal/auth/session"
)

// State is a step of one login attempt.
type State string

const (
	StateAttempting      State = "attempting_login"
	StateAwaitingChoice  State = "awaiting_session_choice"
	StateTerminating     State = "terminating"
	StateRetrying        State = "retrying_login"
	StateIssued          State = "issued"
	StateAborted         State = "aborted"
	StateSessionNotFound State = "session_not_found"
)

// Terminal reports whether no further step is possible.
func (s State) Terminal() bool {
	return s == StateIssued || s == StateAborted
}

// Flow is the in-process driver of one login attempt through the
// termination loop. It keeps the username, device and current ticket between
// steps but never the password: every Attempt takes it again, as an HTTP
// client resubmits it after POST /auth/login/terminate.
type Flow struct {
	svc      *Service
	username string
	device   session.DeviceInfo
	state    State

	choice *ChoiceRequiredError
	result Result
}

// Begin starts a login attempt for username on device.
func (s *Service) Begin(username string, device session.DeviceInfo) *Flow {
	return &Flow{svc: s, username: username, device: device, state: StateAttempting}
}

// State returns the current step.
func (f *Flow) State() State { return f.state }

// Choices returns the sessions offered when awaiting a choice.
func (f *Flow) Choices() []session.SessionView {
	if f.choice == nil {
		return nil
	}
	return f.choice.Sessions
}

// Result returns the issued login once the flow reached StateIssued.
func (f *Flow) Result() Result { return f.result }

// Attempt runs the login with password. It is valid when attempting,
// retrying, or after a chosen session turned out to be gone; a capped result
// moves the flow to StateAwaitingChoice with a fresh list and ticket.
func (f *Flow) Attempt(ctx context.Context, now time.Time, password string) error {
	switch f.state {
	case StateAttempting, StateRetrying, StateSessionNotFound:
	default:
		return ErrInvalidTransition
	}

	res, err := f.svc.Login(ctx, now, Input{Username: f.username, Password: password, Device: f.device})
	if ce, ok := AsChoiceRequired(err); ok {
		f.choice = ce
		f.state = StateAwaitingChoice
		return err
	}
	f.choice = nil
	if err != nil {
		f.state = StateAborted
		return err
	}

	f.result = res
	f.state = StateIssued
	return nil
}

// Choose spends the ticket on sessionID and moves the flow to StateRetrying.
//
// A lock timeout leaves the flow awaiting a choice so the caller can retry.
// A session that is already gone moves the flow to StateSessionNotFound, from
// which Attempt fetches a refreshed list. A spent or expired ticket aborts.
func (f *Flow) Choose(ctx context.Context, now time.Time, sessionID string) error {
	if f.state != StateAwaitingChoice || f.choice == nil {
		return ErrInvalidTransition
	}

	f.state = StateTerminating
	_, err := f.svc.PreLoginTerminate(ctx, now, f.choice.Ticket, sessionID)
	switch {
	case errors.Is(err, session.ErrLockTimeout):
		f.state = StateAwaitingChoice
		return err
	case errors.Is(err, session.ErrSessionNotFound):
		f.state = StateSessionNotFound
		return err
	case err != nil:
		f.choice = nil
		f.state = StateAborted
		return err
	}

	f.choice = nil
	f.state = StateRetrying
	return nil
}

// Cancel abandons the attempt.
func (f *Flow) Cancel() {
	if f.state.Terminal() {
		return
	}
	f.choice = nil
	f.state = StateAborted
}
