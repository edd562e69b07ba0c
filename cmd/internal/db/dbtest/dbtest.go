// Package dbtest opens the Postgres pool used by integration tests.
//
// Tests run only when SG_DATABASE_URL is set and the schema has been migrated
// (go run ./cmd/migrate). Outside CI an unreachable server skips instead of failing.
package dbtest

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnvURL is the variable holding the integration database DSN.
const EnvURL = "SG_DATABASE_URL"

// Pool returns a small pool for the test or skips the test.
// The pool is closed on test cleanup.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv(EnvURL)
	if dbURL == "" {
		t.Skipf("%s is not set; skipping Postgres integration test", EnvURL)
	}

	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("pgxpool.ParseConfig: %v", err)
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = 30 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pgxpool.NewWithConfig: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkip(err) {
			t.Skipf("integration test skipped: Postgres unreachable (%s set): %v", EnvURL, err)
		}
		t.Fatalf("pool.Ping: %v", err)
	}

	t.Cleanup(pool.Close)
	return pool
}

// CreateUser inserts a bare active user row and removes it (cascading to
// sessions and refresh tokens) when the test ends.
func CreateUser(t *testing.T, pool *pgxpool.Pool, userID string) {
	t.Helper()

	ctx := context.Background()
	_, err := pool.Exec(ctx, `
		INSERT INTO sg.users (id, username, username_norm, role, is_active, created_at, updated_at)
		VALUES ($1, $1, lower($1), 'user', true, now(), now())
	`, userID)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM sg.pending_login_tickets WHERE user_id = $1`, userID)
		_, _ = pool.Exec(ctx, `DELETE FROM sg.refresh_tokens WHERE user_id = $1`, userID)
		_, _ = pool.Exec(ctx, `DELETE FROM sg.sessions WHERE user_id = $1`, userID)
		_, _ = pool.Exec(ctx, `DELETE FROM sg.users WHERE id = $1`, userID)
	})
}

func shouldSkip(err error) bool {
	if err == nil || os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "context deadline exceeded", "timeout", "dial tcp", "no such host"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
