package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const selectSessions = `
	SELECT
		id, user_id, token_id,
		device_type, device_name, browser, os,
		created_at, last_active, host(last_ip), activity_count, marked_at
	FROM sg.sessions`

func scanSession(row pgx.Row) (Session, error) {
	var (
		s      Session
		devTyp string
		name   *string
		ip     *string
	)
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.TokenID,
		&devTyp,
		&name,
		&s.Device.Browser,
		&s.Device.OS,
		&s.CreatedAt,
		&s.LastActive,
		&ip,
		&s.ActivityCount,
		&s.MarkedAt,
	)
	if err != nil {
		return Session{}, err
	}
	s.Device.Type = DeviceType(devTyp)
	if name != nil {
		s.Device.Name = *name
	}
	if ip != nil {
		s.LastIP = net.ParseIP(*ip)
	}
	return s, nil
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		return scanSession(row)
	})
}

func listActiveTx(ctx context.Context, tx pgx.Tx, userID string) ([]Session, error) {
	rows, err := tx.Query(ctx, selectSessions+`
		WHERE user_id = $1 AND marked_at IS NULL
		ORDER BY last_active DESC, created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// lockUserTx takes a transaction-scoped advisory lock keyed by the user id.
func lockUserTx(ctx context.Context, tx pgx.Tx, userID string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID)
	return err
}

func setLockTimeoutTx(ctx context.Context, tx pgx.Tx, d time.Duration) error {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	_, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", ms))
	return err
}

func insertSessionTx(ctx context.Context, tx pgx.Tx, s Session) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sg.sessions (
			id, user_id, token_id,
			device_type, device_name, browser, os,
			created_at, last_active, last_ip, activity_count, marked_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $8, $9::inet, 0, NULL
		)
	`, s.ID, s.UserID, s.TokenID,
		string(s.Device.Type), nullIfEmpty(s.Device.Name), s.Device.Browser, s.Device.OS,
		s.CreatedAt, ipText(s.LastIP))
	return err
}

func insertRefreshTx(ctx context.Context, tx pgx.Tx, r RefreshToken) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sg.refresh_tokens (
			id, token_id, user_id, token_hash, expires_at, is_revoked, revoked_at, created_at
		) VALUES ($1, $2, $3, $4, $5, false, NULL, $6)
	`, r.ID, r.TokenID, r.UserID, r.TokenHash, r.ExpiresAt, r.CreatedAt)
	return err
}

func refreshByHashForUpdateTx(ctx context.Context, tx pgx.Tx, hash string) (RefreshToken, error) {
	var r RefreshToken
	err := tx.QueryRow(ctx, `
		SELECT id, token_id, user_id, token_hash, expires_at, is_revoked, revoked_at, created_at
		FROM sg.refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, hash).Scan(
		&r.ID,
		&r.TokenID,
		&r.UserID,
		&r.TokenHash,
		&r.ExpiresAt,
		&r.Revoked,
		&r.RevokedAt,
		&r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, ErrInvalidRefreshToken
	}
	return r, err
}

func revokeRefreshTx(ctx context.Context, tx pgx.Tx, id string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE sg.refresh_tokens
		SET is_revoked = true, revoked_at = $2
		WHERE id = $1
	`, id, now)
	return err
}

// terminateTx locks the live session owned by userID, deletes it with its
// refresh rows and returns the user's remaining live count.
func terminateTx(ctx context.Context, tx pgx.Tx, userID, sessionID string) (int, error) {
	var tokenID string
	err := tx.QueryRow(ctx, `
		SELECT token_id FROM sg.sessions
		WHERE id = $1 AND user_id = $2 AND marked_at IS NULL
		FOR UPDATE
	`, sessionID, userID).Scan(&tokenID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrSessionNotFound
	}
	if err != nil {
		return 0, lockErr(err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sg.refresh_tokens WHERE token_id = $1`, tokenID); err != nil {
		return 0, lockErr(fmt.Errorf("session: delete refresh tokens: %w", err))
	}
	if _, err := tx.Exec(ctx, `DELETE FROM sg.sessions WHERE id = $1`, sessionID); err != nil {
		return 0, fmt.Errorf("session: delete session: %w", err)
	}

	var remaining int
	if err := tx.QueryRow(ctx, `
		SELECT count(*) FROM sg.sessions
		WHERE user_id = $1 AND marked_at IS NULL
	`, userID).Scan(&remaining); err != nil {
		return 0, err
	}
	return remaining, nil
}

// lockErr maps lock contention to ErrLockTimeout: lock_not_available (55P03,
// lock_timeout elapsed), deadlock_detected (40P01) and serialization_failure (40001).
func lockErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40P01", "40001":
			return ErrLockTimeout
		}
	}
	return err
}

func ipText(ip net.IP) any {
	if ip == nil {
		return nil
	}
	return ip.String()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
