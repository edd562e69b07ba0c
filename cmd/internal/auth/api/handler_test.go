package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sessiongate/cmd/identity"
	"sessiongate/cmd/internal/auth/login"
	"sessiongate/cmd/internal/auth/session"
	"sessiongate/cmd/security/password"
)

const testPassword = "correct horse battery"

type testServer struct {
	mux      *http.ServeMux
	handler  *Handler
	sessions *session.Service
	auth     *identity.Authenticator
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	return newTestServerWithStore(t, session.NewMemoryStore())
}

func newTestServerWithStore(t *testing.T, store session.Store) testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1

	users := identity.NewMemoryStore()
	auth, err := identity.NewAuthenticator(users, pw, log)
	require.NoError(t, err)

	scfg := session.DefaultConfig()
	scfg.JWTSecret = []byte("0123456789abcdef0123456789abcdef")
	sessions, err := session.NewService(scfg, store, session.WithLogger(log))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.LoginBurst = 100

	h, err := NewHandler(log, cfg, sessions, login.NewService(auth, sessions, log, nil), users, session.NewCleaner(sessions, log))
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	return testServer{mux: mux, handler: h, sessions: sessions, auth: auth}
}

func (s testServer) register(t *testing.T, username string, role identity.Role) {
	t.Helper()
	_, err := s.auth.Register(context.Background(), username, testPassword, role, s.handler.now())
	require.NoError(t, err)
}

func (s testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	return rr
}

func (s testServer) login(t *testing.T, username, device string) loginResponse {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"username": username,
		"password": testPassword,
		"device":   map[string]string{"type": "desktop", "name": device},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out loginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out.Error.Code
}

func TestLogin_SuccessAndMe(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", identity.RoleUser)

	res := s.login(t, "alice", "laptop")
	require.NotEmpty(t, res.Session.AccessToken)
	require.NotEmpty(t, res.Session.RefreshToken)
	require.Equal(t, "alice", res.User.Username)

	rr := s.do(t, http.MethodGet, "/me", res.Session.AccessToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var me meResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &me))
	require.Equal(t, res.User.ID, me.User.ID)
}

func TestLogin_InvalidCredentials(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", identity.RoleUser)

	for _, body := range []map[string]string{
		{"username": "alice", "password": "wrong wrong wrong"},
		{"username": "nobody", "password": testPassword},
	} {
		rr := s.do(t, http.MethodPost, "/auth/login", "", body)
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		require.Equal(t, "invalid_credentials", errorCode(t, rr))
	}
}

func TestRoutes_WrongMethodUsesErrorEnvelope(t *testing.T) {
	s := newTestServer(t)

	for path, allowed := range map[string]string{
		"/auth/login":              http.MethodPost,
		"/auth/login/terminate":    http.MethodPost,
		"/auth/refresh":            http.MethodPost,
		"/auth/logout":             http.MethodPost,
		"/auth/sessions":           http.MethodGet,
		"/auth/sessions/terminate": http.MethodPost,
		"/admin/sessions/cleanup":  http.MethodPost,
		"/me":                      http.MethodGet,
	} {
		rr := s.do(t, http.MethodPut, path, "", nil)
		require.Equal(t, http.StatusMethodNotAllowed, rr.Code, path)
		require.Equal(t, allowed, rr.Header().Get("Allow"), path)
		require.Equal(t, "method_not_allowed", errorCode(t, rr), path)
	}
}

func TestLogin_BadRequests(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/auth/login", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = s.do(t, http.MethodPost, "/auth/login", "", map[string]any{"username": "a", "password": "b", "extra": 1})
	require.Equal(t, "invalid_json", errorCode(t, rr))

	rr = s.do(t, http.MethodPost, "/auth/login", "", map[string]any{"username": "a"})
	require.Equal(t, "invalid_request", errorCode(t, rr))

	rr = s.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"username": "a", "password": "b", "device": map[string]string{"type": "toaster"},
	})
	require.Equal(t, "invalid_device", errorCode(t, rr))
}

func TestLogin_MaxSessionsThenPreLoginTerminate(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", identity.RoleUser)

	first := s.login(t, "alice", "one")
	s.login(t, "alice", "two")
	s.login(t, "alice", "three")

	rr := s.do(t, http.MethodPost, "/auth/login", "", map[string]any{"username": "alice", "password": testPassword})
	require.Equal(t, http.StatusConflict, rr.Code)
	var capped maxSessionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &capped))
	require.Equal(t, "max_sessions_reached", capped.Error.Code)
	require.Equal(t, 3, capped.Limit)
	require.Len(t, capped.Sessions, 3)
	require.NotEmpty(t, capped.PendingTicket)

	rr = s.do(t, http.MethodPost, "/auth/login/terminate", "", map[string]string{
		"pending_ticket": "bogus", "session_id": first.Session.SessionID,
	})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "invalid_ticket", errorCode(t, rr))

	rr = s.do(t, http.MethodPost, "/auth/login/terminate", "", map[string]string{
		"pending_ticket": capped.PendingTicket, "session_id": "missing",
	})
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = s.do(t, http.MethodPost, "/auth/login/terminate", "", map[string]string{
		"pending_ticket": capped.PendingTicket, "session_id": first.Session.SessionID,
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var term preLoginTerminateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &term))
	require.Equal(t, 2, term.RemainingSessions)
	require.Equal(t, "retrying_login", term.NextStep)

	for _, other := range capped.Sessions {
		if other.ID == first.Session.SessionID {
			continue
		}
		rr = s.do(t, http.MethodPost, "/auth/login/terminate", "", map[string]string{
			"pending_ticket": capped.PendingTicket, "session_id": other.ID,
		})
		require.Equal(t, http.StatusUnauthorized, rr.Code)
		require.Equal(t, "invalid_ticket", errorCode(t, rr))
	}

	rr = s.do(t, http.MethodGet, "/me", first.Session.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "session_not_active", errorCode(t, rr))

	s.login(t, "alice", "four")
}

func TestRefresh_BodyAndReplay(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", identity.RoleUser)
	res := s.login(t, "alice", "laptop")

	rr := s.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": res.Session.RefreshToken})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out refreshResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Equal(t, res.Session.SessionID, out.Session.SessionID)
	require.NotEqual(t, res.Session.RefreshToken, out.Session.RefreshToken)

	rr = s.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": res.Session.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "invalid_refresh_token", errorCode(t, rr))
}

func TestRefresh_CookieRequiresCSRF(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", identity.RoleUser)

	rr := s.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"username": "alice", "password": testPassword, "use_cookie": true,
	})
	require.Equal(t, http.StatusOK, rr.Code)
	var res loginResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Empty(t, res.Session.RefreshToken)
	require.NotEmpty(t, res.Session.CSRFToken)

	cookies := rr.Result().Cookies()

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rr = httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusForbidden, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	req.Header.Set("X-CSRF-Token", res.Session.CSRFToken)
	rr = httptest.NewRecorder()
	s.mux.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestLogout_EndsSession(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", identity.RoleUser)
	res := s.login(t, "alice", "laptop")

	rr := s.do(t, http.MethodPost, "/auth/logout", res.Session.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = s.do(t, http.MethodGet, "/me", res.Session.AccessToken, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": res.Session.RefreshToken})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSessions_ListAndTerminate(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", identity.RoleUser)
	a := s.login(t, "alice", "a")
	b := s.login(t, "alice", "b")

	rr := s.do(t, http.MethodGet, "/auth/sessions", a.Session.AccessToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list sessionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 2)
	require.Equal(t, 3, list.Limit)

	current := 0
	for _, v := range list.Sessions {
		if v.Current {
			current++
			require.Equal(t, a.Session.SessionID, v.ID)
		}
	}
	require.Equal(t, 1, current)

	rr = s.do(t, http.MethodPost, "/auth/sessions/terminate", a.Session.AccessToken, map[string]string{"session_id": b.Session.SessionID})
	require.Equal(t, http.StatusOK, rr.Code)
	var term terminateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &term))
	require.Equal(t, 1, term.RemainingSessions)

	rr = s.do(t, http.MethodPost, "/auth/sessions/terminate", a.Session.AccessToken, map[string]string{"session_id": b.Session.SessionID})
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCleanup_RequiresAdmin(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", identity.RoleUser)
	s.register(t, "root", identity.RoleAdmin)

	user := s.login(t, "alice", "")
	rr := s.do(t, http.MethodPost, "/admin/sessions/cleanup", user.Session.AccessToken, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	admin := s.login(t, "root", "")
	rr = s.do(t, http.MethodPost, "/admin/sessions/cleanup", admin.Session.AccessToken, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestRequireAuth_Errors(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(t, http.MethodGet, "/me", "", nil)
	require.Equal(t, "unauthorized", errorCode(t, rr))

	rr = s.do(t, http.MethodGet, "/me", "garbage", nil)
	require.Equal(t, "invalid_token", errorCode(t, rr))
}

func TestLogin_RateLimited(t *testing.T) {
	s := newTestServer(t)
	s.handler.limiter = NewLoginLimiter(1<<62, 1)

	body := map[string]string{"username": "alice", "password": "whatever-pass"}
	rr := s.do(t, http.MethodPost, "/auth/login", "", body)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = s.do(t, http.MethodPost, "/auth/login", "", body)
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "rate_limited", errorCode(t, rr))
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer":       "",
		"":             "",
	}
	for in, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", in)
		if got := bearerToken(req); got != want {
			t.Fatalf("bearerToken(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestClientIP_TrustProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "garbage, 203.0.113.4, 10.0.0.2")

	if got := clientIP(req, false).String(); got != "10.0.0.1" {
		t.Fatalf("untrusted proxy: got %s", got)
	}
	if got := clientIP(req, true).String(); !strings.HasPrefix(got, "203.0.113.4") {
		t.Fatalf("trusted proxy: got %s", got)
	}
}

func TestLogin_BodyTooLarge(t *testing.T) {
	s := newTestServer(t)
	s.handler.cfg.MaxBodyBytes = 16

	rr := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": "alice", "password": strings.Repeat("x", 64),
	})
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	require.Equal(t, "body_too_large", errorCode(t, rr))
}

// contendedStore reports every refresh and logout as lock contention.
type contendedStore struct {
	*session.MemoryStore
}

func (contendedStore) RotateRefresh(context.Context, session.RotateInput) (session.Session, error) {
	return session.Session{}, session.ErrLockTimeout
}

func (contendedStore) RevokeForLogout(context.Context, string, string, time.Time) error {
	return session.ErrLockTimeout
}

func TestLockContentionIsRetriable(t *testing.T) {
	s := newTestServerWithStore(t, contendedStore{MemoryStore: session.NewMemoryStore()})
	s.register(t, "alice", identity.RoleUser)
	res := s.login(t, "alice", "laptop")

	rr := s.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": res.Session.RefreshToken})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "session_locked", errorCode(t, rr))
	require.Equal(t, "1", rr.Header().Get("Retry-After"))

	rr = s.do(t, http.MethodPost, "/auth/logout", res.Session.AccessToken, nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "session_locked", errorCode(t, rr))
}
