package login

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sessiongate/cmd/identity"
	"sessiongate/cmd/internal/auth/session"
)

// Credentials verifies a username and password.
type Credentials interface {
	Authenticate(ctx context.Context, username, plain string, now time.Time) (identity.User, error)
}

// Sessions is the part of session.Service the login flow drives.
type Sessions interface {
	Issue(ctx context.Context, now time.Time, userID, role string, dev session.DeviceInfo) (session.Issued, error)
	TerminatePending(ctx context.Context, now time.Time, p session.PendingLogin, sessionID string) (int, error)
	IssuePendingLogin(userID string, offered []session.SessionView, now time.Time) (string, time.Time, error)
	ParsePendingLogin(raw string, now time.Time) (session.PendingLogin, error)
}

// Service implements login and pre-login termination.
type Service struct {
	creds    Credentials
	sessions Sessions
	log      *slog.Logger
	metrics  *session.Metrics
}

// NewService wires a login Service. metrics may be nil.
func NewService(creds Credentials, sessions Sessions, log *slog.Logger, metrics *session.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{creds: creds, sessions: sessions, log: log, metrics: metrics}
}

// Input is one login attempt.
type Input struct {
	Username string
	Password string
	Device   session.DeviceInfo
}

// Result is a successful login.
type Result struct {
	User   identity.User
	Issued session.Issued
}

// Login verifies credentials and issues a session. At the cap it returns
// *ChoiceRequiredError and creates nothing.
func (s *Service) Login(ctx context.Context, now time.Time, in Input) (Result, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" || in.Password == "" {
		s.metrics.Login("invalid_credentials")
		return Result{}, ErrInvalidCredentials
	}

	u, err := s.creds.Authenticate(ctx, username, in.Password, now)
	if err != nil {
		if identity.IsNotFound(err) || identity.IsInvalidInput(err) || errors.Is(err, identity.ErrInactive) {
			s.metrics.Login("invalid_credentials")
			s.log.Info("auth.login.fail", "username", username, "reason", failReason(err))
			return Result{}, ErrInvalidCredentials
		}
		s.metrics.Login("error")
		return Result{}, fmt.Errorf("login: authenticate: %w", err)
	}

	iss, err := s.sessions.Issue(ctx, now, u.ID, string(u.Role), in.Device)
	if err != nil {
		if me, ok := session.AsMaxSessions(err); ok {
			return Result{}, s.choiceRequired(u, me, now)
		}
		s.metrics.Login("error")
		return Result{}, fmt.Errorf("login: issue: %w", err)
	}

	s.metrics.Login("issued")
	s.log.Info("auth.login.ok", "user_id", u.ID, "session_id", iss.SessionID, "device", in.Device.Label())
	return Result{User: u, Issued: iss}, nil
}

func (s *Service) choiceRequired(u identity.User, me *session.MaxSessionsError, now time.Time) error {
	ticket, exp, err := s.sessions.IssuePendingLogin(u.ID, me.Sessions, now)
	if err != nil {
		s.metrics.Login("error")
		return fmt.Errorf("login: pending ticket: %w", err)
	}
	s.metrics.Login("max_sessions")
	s.log.Info("auth.login.limit", "user_id", u.ID, "limit", me.Limit, "sessions", len(me.Sessions))
	return &ChoiceRequiredError{
		Limit:           me.Limit,
		Sessions:        me.Sessions,
		Ticket:          ticket,
		TicketExpiresAt: exp,
	}
}

// TerminateResult reports a successful pre-login termination.
type TerminateResult struct {
	SessionID string
	Remaining int
}

// PreLoginTerminate ends one of the sessions listed with a pending-login
// ticket. The ticket is spent by a successful termination, so the caller must
// log in again, and a still-capped retry yields a fresh ticket.
//
// Errors: ErrInvalidTicket, session.ErrSessionNotFound, session.ErrLockTimeout.
func (s *Service) PreLoginTerminate(ctx context.Context, now time.Time, ticket, sessionID string) (TerminateResult, error) {
	p, err := s.sessions.ParsePendingLogin(ticket, now)
	if err != nil {
		return TerminateResult{}, ErrInvalidTicket
	}
	sessionID = strings.TrimSpace(sessionID)

	remaining, err := s.sessions.TerminatePending(ctx, now, p, sessionID)
	if errors.Is(err, session.ErrPendingLoginUsed) {
		return TerminateResult{}, ErrInvalidTicket
	}
	if err != nil {
		return TerminateResult{}, err
	}

	s.log.Info("auth.prelogin.terminated", "user_id", p.UserID, "session_id", sessionID, "remaining", remaining)
	return TerminateResult{SessionID: sessionID, Remaining: remaining}, nil
}

func failReason(err error) string {
	switch {
	case errors.Is(err, identity.ErrInactive):
		return "inactive"
	case identity.IsInvalidInput(err):
		return "invalid_input"
	default:
		return "bad_credentials"
	}
}
