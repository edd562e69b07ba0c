package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (sg.sessions, sg.refresh_tokens).
// The pool is owned by the caller.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// CreateWithinLimit implements Store. A transaction-scoped advisory lock on the
// user id serializes concurrent logins of the same user.
func (s *PostgresStore) CreateWithinLimit(ctx context.Context, in CreateInput) (Session, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUserTx(ctx, tx, in.Session.UserID); err != nil {
		return Session{}, fmt.Errorf("session: lock user: %w", err)
	}

	live, err := listActiveTx(ctx, tx, in.Session.UserID)
	if err != nil {
		return Session{}, err
	}
	if len(live) >= in.MaxSessions {
		return Session{}, &MaxSessionsError{Limit: in.MaxSessions, Sessions: views(live, "")}
	}

	if err := insertSessionTx(ctx, tx, in.Session); err != nil {
		return Session{}, fmt.Errorf("session: insert session: %w", err)
	}
	if err := insertRefreshTx(ctx, tx, in.Refresh); err != nil {
		return Session{}, fmt.Errorf("session: insert refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, err
	}
	out := in.Session
	out.MarkedAt = nil
	return out, nil
}

// CountActive implements Store.
func (s *PostgresStore) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM sg.sessions
		WHERE user_id = $1 AND marked_at IS NULL
	`, userID).Scan(&n)
	return n, err
}

// ListActive implements Store.
func (s *PostgresStore) ListActive(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.pool.Query(ctx, selectSessions+`
		WHERE user_id = $1 AND marked_at IS NULL
		ORDER BY last_active DESC, created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// GetActiveByTokenID implements Store.
func (s *PostgresStore) GetActiveByTokenID(ctx context.Context, tokenID string) (Session, error) {
	row := s.pool.QueryRow(ctx, selectSessions+`
		WHERE token_id = $1 AND marked_at IS NULL
	`, tokenID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return sess, err
}

// Touch implements Store.
func (s *PostgresStore) Touch(ctx context.Context, tokenID string, at time.Time, ip net.IP) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sg.sessions
		SET last_active = GREATEST(last_active, $2),
		    activity_count = activity_count + 1,
		    last_ip = COALESCE($3::inet, last_ip)
		WHERE token_id = $1 AND marked_at IS NULL
	`, tokenID, at, ipText(ip))
	return err
}

// RotateRefresh implements Store. The session row is locked before the
// refresh row, the same order logout, termination and cleanup use.
func (s *PostgresStore) RotateRefresh(ctx context.Context, in RotateInput) (Session, error) {
	sess, err := s.rotateRefresh(ctx, in)
	return sess, lockErr(err)
}

func (s *PostgresStore) rotateRefresh(ctx context.Context, in RotateInput) (Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sess, err := scanSession(tx.QueryRow(ctx, selectSessions+`
		WHERE token_id = $1 AND marked_at IS NULL
		FOR UPDATE
	`, in.TokenID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return Session{}, err
	}

	old, err := refreshByHashForUpdateTx(ctx, tx, in.TokenHash)
	if err != nil {
		return Session{}, err
	}
	if old.TokenID != in.TokenID || !old.Usable(in.Now) {
		return Session{}, ErrInvalidRefreshToken
	}

	if err := revokeRefreshTx(ctx, tx, old.ID, in.Now); err != nil {
		return Session{}, fmt.Errorf("session: revoke refresh token: %w", err)
	}
	if err := insertRefreshTx(ctx, tx, in.Next); err != nil {
		return Session{}, fmt.Errorf("session: insert refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// MarkForDeletion implements Store. Ownership is part of the WHERE clause.
func (s *PostgresStore) MarkForDeletion(ctx context.Context, sessionID, userID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sg.sessions
		SET marked_at = $3
		WHERE id = $1 AND user_id = $2 AND marked_at IS NULL
	`, sessionID, userID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkByTokenID implements Store.
func (s *PostgresStore) MarkByTokenID(ctx context.Context, tokenID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sg.sessions
		SET marked_at = $2
		WHERE token_id = $1 AND marked_at IS NULL
	`, tokenID, now)
	return err
}

// RevokeForLogout implements Store.
func (s *PostgresStore) RevokeForLogout(ctx context.Context, userID, tokenID string, now time.Time) error {
	return lockErr(s.revokeForLogout(ctx, userID, tokenID, now))
}

func (s *PostgresStore) revokeForLogout(ctx context.Context, userID, tokenID string, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE sg.sessions
		SET marked_at = COALESCE(marked_at, $3)
		WHERE token_id = $1 AND user_id = $2
	`, tokenID, userID, now); err != nil {
		return fmt.Errorf("session: mark for logout: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sg.refresh_tokens
		SET is_revoked = true, revoked_at = COALESCE(revoked_at, $3)
		WHERE token_id = $1 AND user_id = $2 AND NOT is_revoked
	`, tokenID, userID, now); err != nil {
		return fmt.Errorf("session: revoke for logout: %w", err)
	}

	return tx.Commit(ctx)
}

// LogoutState implements Store.
func (s *PostgresStore) LogoutState(ctx context.Context, tokenID string, now time.Time) (LogoutState, error) {
	var st LogoutState
	err := s.pool.QueryRow(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM sg.sessions WHERE token_id = $1 AND marked_at IS NULL),
			EXISTS (SELECT 1 FROM sg.refresh_tokens WHERE token_id = $1 AND NOT is_revoked AND expires_at > $2)
	`, tokenID, now).Scan(&st.SessionLive, &st.RefreshUsable)
	return st, err
}

// Terminate implements Store.
func (s *PostgresStore) Terminate(ctx context.Context, userID, sessionID string, lockTimeout time.Duration) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := setLockTimeoutTx(ctx, tx, lockTimeout); err != nil {
		return 0, err
	}
	remaining, err := terminateTx(ctx, tx, userID, sessionID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, lockErr(err)
	}
	return remaining, nil
}

// TerminatePending implements Store. The ticket row is inserted first; a
// concurrent use of the same ticket waits on it and then finds it taken.
func (s *PostgresStore) TerminatePending(ctx context.Context, t TicketUse, sessionID string, lockTimeout time.Duration) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := setLockTimeoutTx(ctx, tx, lockTimeout); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO sg.pending_login_tickets (id, user_id, expires_at, used_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, t.ID, t.UserID, t.ExpiresAt, t.UsedAt)
	if err != nil {
		return 0, lockErr(fmt.Errorf("session: consume ticket: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrPendingLoginUsed
	}

	remaining, err := terminateTx(ctx, tx, t.UserID, sessionID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, lockErr(err)
	}
	return remaining, nil
}

// Cleanup implements Store.
func (s *PostgresStore) Cleanup(ctx context.Context, now time.Time) (CleanupResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var res CleanupResult

	// Sessions are deleted before their refresh rows so the pass takes row
	// locks in the same order as rotation and logout.
	if err := tx.QueryRow(ctx, `
		WITH gone AS (
			DELETE FROM sg.sessions WHERE marked_at IS NOT NULL
			RETURNING token_id
		), dropped AS (
			DELETE FROM sg.refresh_tokens r
			USING gone g
			WHERE r.token_id = g.token_id
		)
		SELECT count(*) FROM gone
	`).Scan(&res.MarkedSessions); err != nil {
		return CleanupResult{}, fmt.Errorf("session: cleanup marked_sessions: %w", err)
	}

	steps := []struct {
		name string
		sql  string
		args []any
		dst  *int64
	}{
		{"expired_sessions", `
			DELETE FROM sg.sessions s
			WHERE s.marked_at IS NULL
			  AND NOT EXISTS (
				SELECT 1 FROM sg.refresh_tokens r
				WHERE r.token_id = s.token_id AND NOT r.is_revoked AND r.expires_at > $1
			  )
		`, []any{now}, &res.ExpiredSessions},
		{"expired_tokens", `
			UPDATE sg.refresh_tokens
			SET is_revoked = true, revoked_at = $1
			WHERE NOT is_revoked AND expires_at <= $1
		`, []any{now}, &res.ExpiredTokens},
		{"purged_tokens", `
			DELETE FROM sg.refresh_tokens r
			WHERE r.is_revoked
			   OR NOT EXISTS (SELECT 1 FROM sg.sessions s WHERE s.token_id = r.token_id)
		`, nil, &res.PurgedTokens},
		{"purged_tickets", `
			DELETE FROM sg.pending_login_tickets WHERE expires_at <= $1
		`, []any{now}, &res.PurgedTickets},
	}
	for _, st := range steps {
		tag, err := tx.Exec(ctx, st.sql, st.args...)
		if err != nil {
			return CleanupResult{}, fmt.Errorf("session: cleanup %s: %w", st.name, err)
		}
		if st.dst != nil {
			*st.dst = tag.RowsAffected()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return CleanupResult{}, err
	}
	return res, nil
}

// EvictOverflow implements Store.
func (s *PostgresStore) EvictOverflow(ctx context.Context, limit int, now time.Time) ([]Eviction, error) {
	rows, err := s.pool.Query(ctx, `
		WITH ranked AS (
			SELECT id, row_number() OVER (
				PARTITION BY user_id
				ORDER BY last_active DESC, created_at DESC, id DESC
			) AS rn
			FROM sg.sessions
			WHERE marked_at IS NULL
		)
		UPDATE sg.sessions s
		SET marked_at = $2
		FROM ranked r
		WHERE s.id = r.id AND r.rn > $1 AND s.marked_at IS NULL
		RETURNING s.id, s.user_id, s.last_active
	`, limit, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Eviction, error) {
		var e Eviction
		err := row.Scan(&e.SessionID, &e.UserID, &e.LastActive)
		return e, err
	})
}

// CountAllActive implements Store.
func (s *PostgresStore) CountAllActive(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sg.sessions WHERE marked_at IS NULL`).Scan(&n)
	return n, err
}
