package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"sessiongate/cmd/identity/ids"
	"sessiongate/cmd/security/token"
)

// Service issues, verifies, rotates and ends sessions on top of a Store.
//
// The per-user cap is enforced inside Store.CreateWithinLimit, so Issue can
// never push a user above MaxSessionsPerUser even under concurrent logins.
type Service struct {
	cfg      Config
	log      *slog.Logger
	store    Store
	tokens   *JWTManager
	hasher   token.Hasher
	activity *ActivityTracker
	metrics  *Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHasher sets the refresh-token digest. Defaults to plain SHA-256.
func WithHasher(h token.Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

// WithActivityTracker routes lastActive bumps through t. Without one, Verify
// does not record activity.
func WithActivityTracker(t *ActivityTracker) Option {
	return func(s *Service) { s.activity = t }
}

// WithMetrics sets the collectors used by the service.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService validates cfg and builds a Service.
func NewService(cfg Config, store Store, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrConfig)
	}
	tokens, err := NewJWTManager(cfg)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		log:    slog.Default(),
		store:  store,
		tokens: tokens,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// Metrics returns the collectors, possibly nil.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Issued is the result of a login or a rotation.
type Issued struct {
	SessionID    string
	TokenID      string
	AccessToken  string
	AccessExp    time.Time
	RefreshToken string
	RefreshExp   time.Time
	Device       DeviceInfo
}

// CheckLimit returns *MaxSessionsError when userID already holds the maximum
// number of live sessions. It never mutates state.
func (s *Service) CheckLimit(ctx context.Context, userID, currentTokenID string) error {
	live, err := s.store.ListActive(ctx, userID)
	if err != nil {
		return fmt.Errorf("session: list active: %w", err)
	}
	if len(live) >= s.cfg.MaxSessionsPerUser {
		return &MaxSessionsError{Limit: s.cfg.MaxSessionsPerUser, Sessions: views(live, currentTokenID)}
	}
	return nil
}

// Issue creates a session for userID and returns its token pair.
// At the cap it returns *MaxSessionsError and writes nothing.
func (s *Service) Issue(ctx context.Context, now time.Time, userID, role string, dev DeviceInfo) (Issued, error) {
	if strings.TrimSpace(userID) == "" {
		return Issued{}, ErrInvalidToken
	}

	tokenID := uuid.NewString()

	access, accessExp, err := s.tokens.IssueAccess(userID, tokenID, role, now)
	if err != nil {
		return Issued{}, fmt.Errorf("session: sign access token: %w", err)
	}
	refresh, refreshExp, err := s.tokens.IssueRefresh(userID, tokenID, role, now)
	if err != nil {
		return Issued{}, fmt.Errorf("session: sign refresh token: %w", err)
	}

	sessionID, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}
	refreshID, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}

	if dev.Type == "" {
		dev.Type = DeviceUnknown
	}

	created, err := s.store.CreateWithinLimit(ctx, CreateInput{
		Session: Session{
			ID:         sessionID,
			UserID:     userID,
			TokenID:    tokenID,
			Device:     dev,
			CreatedAt:  now,
			LastActive: now,
			LastIP:     dev.IP,
		},
		Refresh: RefreshToken{
			ID:        refreshID,
			TokenID:   tokenID,
			UserID:    userID,
			TokenHash: s.hasher.Hash(refresh),
			ExpiresAt: refreshExp,
			CreatedAt: now,
		},
		MaxSessions: s.cfg.MaxSessionsPerUser,
	})
	if err != nil {
		if _, ok := AsMaxSessions(err); ok {
			return Issued{}, err
		}
		return Issued{}, fmt.Errorf("session: create: %w", err)
	}

	s.log.Info("session.issued", "user_id", userID, "session_id", created.ID, "device", dev.Label())

	return Issued{
		SessionID:    created.ID,
		TokenID:      tokenID,
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: refresh,
		RefreshExp:   refreshExp,
		Device:       created.Device,
	}, nil
}

// Verify checks an access token against the ledger.
//
// An expired token marks its session for deletion before ErrTokenExpired is
// returned. A valid token whose session is gone yields ErrSessionNotFound.
// On success a lastActive bump is queued; it never affects the result.
func (s *Service) Verify(ctx context.Context, now time.Time, raw string, ip net.IP) (AccessClaims, error) {
	c, err := s.tokens.Parse(strings.TrimSpace(raw), TokenAccess, now)
	if errors.Is(err, ErrTokenExpired) {
		if merr := s.store.MarkByTokenID(ctx, c.TokenID, now); merr != nil {
			s.log.Error("session.expired.mark_failed", "token_id", c.TokenID, "err", merr)
		}
		return AccessClaims{}, ErrTokenExpired
	}
	if err != nil {
		return AccessClaims{}, err
	}

	sess, err := s.store.GetActiveByTokenID(ctx, c.TokenID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return AccessClaims{}, ErrSessionNotFound
		}
		return AccessClaims{}, fmt.Errorf("session: lookup: %w", err)
	}
	if sess.UserID != c.UserID {
		return AccessClaims{}, ErrInvalidToken
	}

	if s.activity != nil {
		s.activity.Record(c.TokenID, now, ip)
	}

	out := AccessClaims{
		UserID:    c.UserID,
		TokenID:   c.TokenID,
		SessionID: sess.ID,
		Role:      c.Role,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

// Rotate exchanges a refresh token for a new pair bound to the same session.
// Every failure other than infrastructure is ErrInvalidRefreshToken; of two
// concurrent rotations of one token exactly one succeeds.
func (s *Service) Rotate(ctx context.Context, now time.Time, raw string) (Issued, error) {
	raw = strings.TrimSpace(raw)
	c, err := s.tokens.Parse(raw, TokenRefresh, now)
	if err != nil {
		return Issued{}, ErrInvalidRefreshToken
	}

	access, accessExp, err := s.tokens.IssueAccess(c.UserID, c.TokenID, c.Role, now)
	if err != nil {
		return Issued{}, fmt.Errorf("session: sign access token: %w", err)
	}
	refresh, refreshExp, err := s.tokens.IssueRefresh(c.UserID, c.TokenID, c.Role, now)
	if err != nil {
		return Issued{}, fmt.Errorf("session: sign refresh token: %w", err)
	}
	refreshID, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, err
	}

	sess, err := s.store.RotateRefresh(ctx, RotateInput{
		TokenID:   c.TokenID,
		TokenHash: s.hasher.Hash(raw),
		Next: RefreshToken{
			ID:        refreshID,
			TokenID:   c.TokenID,
			UserID:    c.UserID,
			TokenHash: s.hasher.Hash(refresh),
			ExpiresAt: refreshExp,
			CreatedAt: now,
		},
		Now: now,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			s.log.Warn("session.refresh.rejected", "user_id", c.UserID, "token_id", c.TokenID)
			return Issued{}, ErrInvalidRefreshToken
		}
		return Issued{}, fmt.Errorf("session: rotate: %w", err)
	}

	return Issued{
		SessionID:    sess.ID,
		TokenID:      c.TokenID,
		AccessToken:  access,
		AccessExp:    accessExp,
		RefreshToken: refresh,
		RefreshExp:   refreshExp,
		Device:       sess.Device,
	}, nil
}

// RevokeForLogout marks the session and revokes its refresh token in one
// transaction. A post-commit re-read that still finds live state is logged as
// an alert; logout itself does not fail.
func (s *Service) RevokeForLogout(ctx context.Context, now time.Time, userID, tokenID string) error {
	if err := s.store.RevokeForLogout(ctx, userID, tokenID, now); err != nil {
		return fmt.Errorf("session: logout: %w", err)
	}

	st, err := s.store.LogoutState(ctx, tokenID, now)
	switch {
	case err != nil:
		s.log.Warn("session.logout.verify_failed", "user_id", userID, "token_id", tokenID, "err", err)
	case st.SessionLive || st.RefreshUsable:
		s.log.Error("session.logout.alert",
			"user_id", userID,
			"token_id", tokenID,
			"session_live", st.SessionLive,
			"refresh_usable", st.RefreshUsable,
		)
	default:
		s.log.Info("session.logout", "user_id", userID, "token_id", tokenID)
	}
	return nil
}

// ListSessions returns userID's live sessions, most recently active first.
// currentTokenID flags the caller's own session.
func (s *Service) ListSessions(ctx context.Context, userID, currentTokenID string) ([]SessionView, error) {
	live, err := s.store.ListActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("session: list active: %w", err)
	}
	return views(live, currentTokenID), nil
}

// MarkForDeletion marks a session owned by userID. With requireExisting a
// missing or foreign session is ErrSessionNotFound; otherwise it is a no-op.
func (s *Service) MarkForDeletion(ctx context.Context, now time.Time, sessionID, userID string, requireExisting bool) error {
	ok, err := s.store.MarkForDeletion(ctx, sessionID, userID, now)
	if err != nil {
		return fmt.Errorf("session: mark: %w", err)
	}
	if !ok && requireExisting {
		return ErrSessionNotFound
	}
	return nil
}

// Terminate deletes a session owned by userID together with its refresh token
// and returns how many live sessions the user has left.
func (s *Service) Terminate(ctx context.Context, userID, sessionID string) (int, error) {
	remaining, err := s.store.Terminate(ctx, userID, sessionID, s.cfg.TerminationLockTimeout)
	return s.terminated(userID, sessionID, remaining, err)
}

// TerminatePending spends a pending-login ticket on one of the sessions it
// offered. A ticket terminates at most one session; a session it did not
// offer is ErrSessionNotFound and leaves the ticket unused.
func (s *Service) TerminatePending(ctx context.Context, now time.Time, p PendingLogin, sessionID string) (int, error) {
	if !p.Offers(sessionID) {
		return s.terminated(p.UserID, sessionID, 0, ErrSessionNotFound)
	}
	remaining, err := s.store.TerminatePending(ctx, TicketUse{
		ID:        p.ID,
		UserID:    p.UserID,
		ExpiresAt: p.ExpiresAt,
		UsedAt:    now,
	}, sessionID, s.cfg.TerminationLockTimeout)
	return s.terminated(p.UserID, sessionID, remaining, err)
}

func (s *Service) terminated(userID, sessionID string, remaining int, err error) (int, error) {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrLockTimeout), errors.Is(err, ErrPendingLoginUsed):
		s.log.Info("session.terminate.rejected", "user_id", userID, "session_id", sessionID, "err", err)
		return 0, err
	case err != nil:
		return 0, fmt.Errorf("session: terminate: %w", err)
	}
	s.log.Info("session.terminated", "user_id", userID, "session_id", sessionID, "remaining", remaining)
	return remaining, nil
}

// Cleanup runs one reconciliation pass.
func (s *Service) Cleanup(ctx context.Context, now time.Time) (CleanupResult, error) {
	res, err := s.store.Cleanup(ctx, now)
	s.metrics.observeCleanup(res, err, now)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("session: cleanup: %w", err)
	}
	return res, nil
}

// EvictOverflow marks the least recently active sessions of every user found
// above the cap. Each eviction is logged at WARN.
func (s *Service) EvictOverflow(ctx context.Context, now time.Time) ([]Eviction, error) {
	ev, err := s.store.EvictOverflow(ctx, s.cfg.MaxSessionsPerUser, now)
	if err != nil {
		return nil, fmt.Errorf("session: evict overflow: %w", err)
	}
	for _, e := range ev {
		s.log.Warn("session.overflow.evicted",
			"user_id", e.UserID,
			"session_id", e.SessionID,
			"last_active", e.LastActive,
			"limit", s.cfg.MaxSessionsPerUser,
		)
	}
	s.metrics.evicted(len(ev))
	return ev, nil
}

// CountAllActive returns the number of live sessions across all users.
func (s *Service) CountAllActive(ctx context.Context) (int, error) {
	return s.store.CountAllActive(ctx)
}

// PendingLogin is a verified pending-login ticket.
type PendingLogin struct {
	ID         string
	UserID     string
	SessionIDs []string
	ExpiresAt  time.Time
}

// Offers reports whether sessionID was listed when the ticket was issued.
func (p PendingLogin) Offers(sessionID string) bool {
	return sessionID != "" && slices.Contains(p.SessionIDs, sessionID)
}

// IssuePendingLogin signs the ticket returned alongside a max-sessions error.
// It may terminate one of offered, once.
func (s *Service) IssuePendingLogin(userID string, offered []SessionView, now time.Time) (string, time.Time, error) {
	ids := make([]string, 0, len(offered))
	for _, v := range offered {
		ids = append(ids, v.ID)
	}
	return s.tokens.IssuePendingLogin(userID, ids, now)
}

// ParsePendingLogin verifies a pending-login ticket. Expired tickets yield
// ErrTokenExpired. Whether it was already spent is only known to the store.
func (s *Service) ParsePendingLogin(raw string, now time.Time) (PendingLogin, error) {
	c, err := s.tokens.Parse(strings.TrimSpace(raw), TokenPendingLogin, now)
	if err != nil {
		return PendingLogin{}, err
	}
	return PendingLogin{
		ID:         c.ID,
		UserID:     c.UserID,
		SessionIDs: c.SessionIDs,
		ExpiresAt:  c.ExpiresAt.Time,
	}, nil
}
