package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sessiongate/cmd/identity/ids"
	"sessiongate/cmd/internal/db/dbtest"
)

func newPostgresService(t *testing.T) (*Service, *PostgresStore) {
	t.Helper()
	pool := dbtest.Pool(t)
	store := NewPostgresStore(pool)
	svc, err := NewService(testConfig(), store, WithLogger(discardLogger()))
	require.NoError(t, err)
	return svc, store
}

func newTestUser(t *testing.T, store *PostgresStore) string {
	t.Helper()
	id := ids.MustULID(time.Now())
	dbtest.CreateUser(t, store.pool, id)
	return id
}

func TestPostgresSession_IssueRotateLogout(t *testing.T) {
	t.Parallel()
	svc, store := newPostgresService(t)
	ctx := context.Background()
	userID := newTestUser(t, store)
	now := time.Now().UTC().Truncate(time.Microsecond)

	iss, err := svc.Issue(ctx, now, userID, "user", DeviceInfo{Type: DeviceDesktop, Browser: "Firefox", OS: "Linux"})
	require.NoError(t, err)

	claims, err := svc.Verify(ctx, now.Add(time.Second), iss.AccessToken, nil)
	require.NoError(t, err)
	require.Equal(t, iss.SessionID, claims.SessionID)

	rot, err := svc.Rotate(ctx, now.Add(2*time.Second), iss.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, iss.TokenID, rot.TokenID)
	require.Equal(t, "Firefox", rot.Device.Browser)

	_, err = svc.Rotate(ctx, now.Add(3*time.Second), iss.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidRefreshToken)

	require.NoError(t, svc.RevokeForLogout(ctx, now.Add(4*time.Second), userID, iss.TokenID))
	st, err := store.LogoutState(ctx, iss.TokenID, now.Add(4*time.Second))
	require.NoError(t, err)
	require.False(t, st.SessionLive)
	require.False(t, st.RefreshUsable)
}

func TestPostgresSession_ConcurrentLoginsRespectCap(t *testing.T) {
	t.Parallel()
	svc, store := newPostgresService(t)
	ctx := context.Background()
	userID := newTestUser(t, store)
	now := time.Now().UTC()

	// One below the cap, then race two logins.
	for i := 0; i < 2; i++ {
		_, err := svc.Issue(ctx, now, userID, "user", DeviceInfo{Type: DeviceUnknown, Browser: "Unknown", OS: "Unknown"})
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Issue(ctx, now, userID, "user", DeviceInfo{Type: DeviceUnknown, Browser: "Unknown", OS: "Unknown"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, capped int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrMaxSessionsReached):
			capped++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, capped)

	n, err := store.CountActive(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestPostgresSession_TerminateLockTimeout(t *testing.T) {
	t.Parallel()
	svc, store := newPostgresService(t)
	ctx := context.Background()
	userID := newTestUser(t, store)
	now := time.Now().UTC()

	iss, err := svc.Issue(ctx, now, userID, "user", DeviceInfo{Type: DeviceUnknown, Browser: "Unknown", OS: "Unknown"})
	require.NoError(t, err)

	tx, err := store.pool.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = tx.Exec(ctx, `SELECT 1 FROM sg.sessions WHERE id = $1 FOR UPDATE`, iss.SessionID)
	require.NoError(t, err)

	_, err = store.Terminate(ctx, userID, iss.SessionID, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, tx.Rollback(ctx))

	remaining, err := store.Terminate(ctx, userID, iss.SessionID, time.Second)
	require.NoError(t, err)
	require.Zero(t, remaining)

	_, err = store.Terminate(ctx, userID, iss.SessionID, time.Second)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPostgresSession_CleanupAndTouch(t *testing.T) {
	t.Parallel()
	svc, store := newPostgresService(t)
	ctx := context.Background()
	userID := newTestUser(t, store)
	past := time.Now().UTC().Add(-30 * 24 * time.Hour)

	stale, err := svc.Issue(ctx, past, userID, "user", DeviceInfo{Type: DeviceUnknown, Browser: "Unknown", OS: "Unknown"})
	require.NoError(t, err)

	now := time.Now().UTC()
	fresh, err := svc.Issue(ctx, now, userID, "user", DeviceInfo{Type: DeviceMobile, Browser: "Safari", OS: "iOS"})
	require.NoError(t, err)

	require.NoError(t, store.Touch(ctx, fresh.TokenID, now.Add(time.Minute), nil))
	require.NoError(t, store.Touch(ctx, fresh.TokenID, now.Add(-time.Hour), nil))
	s, err := store.GetActiveByTokenID(ctx, fresh.TokenID)
	require.NoError(t, err)
	require.WithinDuration(t, now.Add(time.Minute), s.LastActive, time.Millisecond)
	require.EqualValues(t, 2, s.ActivityCount)

	// Cleanup is global; only assert on this user's rows.
	_, err = svc.Cleanup(ctx, now)
	require.NoError(t, err)

	_, err = store.GetActiveByTokenID(ctx, stale.TokenID)
	require.ErrorIs(t, err, ErrSessionNotFound)

	list, err := svc.ListSessions(ctx, userID, fresh.TokenID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].Current)
}

func TestPostgresSession_ConcurrentRotateSingleWinner(t *testing.T) {
	t.Parallel()
	svc, store := newPostgresService(t)
	ctx := context.Background()
	userID := newTestUser(t, store)
	now := time.Now().UTC()

	iss, err := svc.Issue(ctx, now, userID, "user", DeviceInfo{Type: DeviceUnknown, Browser: "Unknown", OS: "Unknown"})
	require.NoError(t, err)

	const n = 8
	var (
		wg   sync.WaitGroup
		errs = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Rotate(ctx, now.Add(time.Second), iss.RefreshToken)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidRefreshToken):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
}

func TestPostgresSession_RotateRacingLogout(t *testing.T) {
	t.Parallel()
	svc, store := newPostgresService(t)
	ctx := context.Background()
	userID := newTestUser(t, store)
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		iss, err := svc.Issue(ctx, now, userID, "user", DeviceInfo{Type: DeviceUnknown, Browser: "Unknown", OS: "Unknown"})
		require.NoError(t, err)

		var (
			wg                   sync.WaitGroup
			rotateErr, logoutErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, rotateErr = svc.Rotate(ctx, now.Add(time.Second), iss.RefreshToken)
		}()
		go func() {
			defer wg.Done()
			logoutErr = svc.RevokeForLogout(ctx, now.Add(time.Second), userID, iss.TokenID)
		}()
		wg.Wait()

		require.NoError(t, logoutErr)
		if rotateErr != nil {
			require.ErrorIs(t, rotateErr, ErrInvalidRefreshToken)
		}

		st, err := store.LogoutState(ctx, iss.TokenID, now.Add(time.Second))
		require.NoError(t, err)
		require.False(t, st.SessionLive)
		require.False(t, st.RefreshUsable)
	}
}

func TestPostgresSession_PendingTicketSingleUse(t *testing.T) {
	t.Parallel()
	svc, store := newPostgresService(t)
	ctx := context.Background()
	userID := newTestUser(t, store)
	now := time.Now().UTC()

	var offered []SessionView
	for i := 0; i < 3; i++ {
		iss, err := svc.Issue(ctx, now, userID, "user", DeviceInfo{Type: DeviceUnknown, Browser: "Unknown", OS: "Unknown"})
		require.NoError(t, err)
		offered = append(offered, SessionView{ID: iss.SessionID})
	}
	ticket, _, err := svc.IssuePendingLogin(userID, offered, now)
	require.NoError(t, err)
	p, err := svc.ParsePendingLogin(ticket, now)
	require.NoError(t, err)

	// A rejected termination leaves the ticket unspent.
	_, err = store.TerminatePending(ctx, TicketUse{ID: p.ID, UserID: p.UserID, ExpiresAt: p.ExpiresAt, UsedAt: now}, "missing", time.Second)
	require.ErrorIs(t, err, ErrSessionNotFound)

	var (
		wg   sync.WaitGroup
		errs = make(chan error, len(offered))
	)
	for _, v := range offered {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			_, err := svc.TerminatePending(ctx, now, p, sessionID)
			errs <- err
		}(v.ID)
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrPendingLoginUsed):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)

	n, err := store.CountActive(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
