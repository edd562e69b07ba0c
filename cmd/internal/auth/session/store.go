package session

import (
	"context"
	"net"
	"time"
)

// CreateInput carries the rows written by a successful login.
type CreateInput struct {
	Session     Session
	Refresh     RefreshToken
	MaxSessions int
}

// RotateInput describes one refresh rotation. Next must share TokenID with the presented token.
type RotateInput struct {
	TokenID   string
	TokenHash string
	Next      RefreshToken
	Now       time.Time
}

// LogoutState is what the store holds for a token after logout.
type LogoutState struct {
	SessionLive   bool
	RefreshUsable bool
}

// TicketUse records the consumption of a pending-login ticket.
type TicketUse struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	UsedAt    time.Time
}

// CleanupResult counts rows affected by one cleanup pass.
type CleanupResult struct {
	ExpiredTokens   int64
	ExpiredSessions int64
	MarkedSessions  int64
	PurgedTokens    int64
	PurgedTickets   int64
}

// Total is the number of rows the pass changed.
func (r CleanupResult) Total() int64 {
	return r.ExpiredTokens + r.ExpiredSessions + r.MarkedSessions + r.PurgedTokens + r.PurgedTickets
}

// Eviction records a session removed by the overflow safety valve.
type Eviction struct {
	SessionID  string
	UserID     string
	LastActive time.Time
}

// Store is the session ledger. Every method that touches more than one row is atomic.
// Marked sessions never appear in counts, listings or lookups.
type Store interface {
	// CreateWithinLimit inserts the session and its refresh row if the user holds
	// fewer than MaxSessions live sessions, serialized per user. Otherwise it
	// returns *MaxSessionsError listing the live sessions and writes nothing.
	CreateWithinLimit(ctx context.Context, in CreateInput) (Session, error)

	CountActive(ctx context.Context, userID string) (int, error)

	// ListActive returns live sessions, most recently active first.
	ListActive(ctx context.Context, userID string) ([]Session, error)

	GetActiveByTokenID(ctx context.Context, tokenID string) (Session, error)

	// Touch advances lastActive (never backwards), increments activityCount and
	// records ip when non-nil. Missing or marked sessions are ignored.
	Touch(ctx context.Context, tokenID string, at time.Time, ip net.IP) error

	// RotateRefresh locks the live session bound to TokenID, then the refresh row
	// by digest, requires the row to be usable, revokes it and inserts Next. Any
	// failed precondition is ErrInvalidRefreshToken. Returns the owning session.
	RotateRefresh(ctx context.Context, in RotateInput) (Session, error)

	// MarkForDeletion marks the session owned by userID. Reports whether a live row matched.
	MarkForDeletion(ctx context.Context, sessionID, userID string, now time.Time) (bool, error)

	// MarkByTokenID marks the live session bound to tokenID, if any.
	MarkByTokenID(ctx context.Context, tokenID string, now time.Time) error

	// RevokeForLogout marks the session and revokes its refresh rows in one transaction.
	RevokeForLogout(ctx context.Context, userID, tokenID string, now time.Time) error

	LogoutState(ctx context.Context, tokenID string, now time.Time) (LogoutState, error)

	// Terminate locks the session row (waiting at most lockTimeout), deletes it
	// with its refresh rows and returns the user's remaining live count.
	// ErrSessionNotFound when no live row is owned by userID; ErrLockTimeout on contention.
	Terminate(ctx context.Context, userID, sessionID string, lockTimeout time.Duration) (int, error)

	// TerminatePending consumes the ticket and terminates the session of
	// ticket.UserID in one transaction. A ticket consumed before is
	// ErrPendingLoginUsed. A failed termination leaves the ticket unused.
	TerminatePending(ctx context.Context, ticket TicketUse, sessionID string, lockTimeout time.Duration) (int, error)

	// Cleanup runs one reconciliation pass in a single transaction. Consumed
	// tickets past their expiry are purged with it.
	Cleanup(ctx context.Context, now time.Time) (CleanupResult, error)

	// EvictOverflow marks the least recently active sessions of users above limit.
	EvictOverflow(ctx context.Context, limit int, now time.Time) ([]Eviction, error)

	CountAllActive(ctx context.Context) (int, error)
}
