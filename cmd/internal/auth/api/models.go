package api

import "time"

type deviceRequest struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Browser string `json:"browser"`
	OS      string `json:"os"`
}

type loginRequest struct {
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	Device    deviceRequest `json:"device"`
	UseCookie bool          `json:"use_cookie"`
}

type preLoginTerminateRequest struct {
	PendingTicket string `json:"pending_ticket"`
	SessionID     string `json:"session_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type terminateRequest struct {
	SessionID string `json:"session_id"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type tokensResponse struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	CSRFToken        string    `json:"csrf_token,omitempty"`
}

type sessionViewResponse struct {
	ID         string    `json:"id"`
	Label      string    `json:"label"`
	DeviceType string    `json:"device_type"`
	Browser    string    `json:"browser"`
	OS         string    `json:"os"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Current    bool      `json:"is_current"`
}

type loginResponse struct {
	User    userResponse   `json:"user"`
	Session tokensResponse `json:"session"`
}

type maxSessionsResponse struct {
	Error                  apiError              `json:"error"`
	Limit                  int                   `json:"limit"`
	Sessions               []sessionViewResponse `json:"sessions"`
	PendingTicket          string                `json:"pending_ticket"`
	PendingTicketExpiresAt time.Time             `json:"pending_ticket_expires_at"`
}

type preLoginTerminateResponse struct {
	TerminatedSessionID string `json:"terminated_session_id"`
	RemainingSessions   int    `json:"remaining_sessions"`
	NextStep            string `json:"next_step"`
}

type refreshResponse struct {
	Session tokensResponse `json:"session"`
}

type sessionsResponse struct {
	Sessions []sessionViewResponse `json:"sessions"`
	Limit    int                   `json:"limit"`
}

type terminateResponse struct {
	RemainingSessions int `json:"remaining_sessions"`
}

type cleanupResponse struct {
	ExpiredTokens   int64 `json:"expired_tokens"`
	ExpiredSessions int64 `json:"expired_sessions"`
	MarkedSessions  int64 `json:"marked_sessions"`
	PurgedTokens    int64 `json:"purged_tokens"`
	PurgedTickets   int64 `json:"purged_tickets"`
}

type meResponse struct {
	User userResponse `json:"user"`
}
