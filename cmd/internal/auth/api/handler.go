package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"sessiongate/cmd/identity"
	"sessiongate/cmd/internal/auth/login"
	"sessiongate/cmd/internal/auth/session"
)

// UserReader loads the profile behind a verified token.
type UserReader interface {
	GetUserByID(ctx context.Context, userID string) (identity.User, error)
}

// Handler wires HTTP auth endpoints to the login and session services.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions *session.Service
	login    *login.Service
	users    UserReader
	cleaner  *session.Cleaner
	limiter  *LoginLimiter
	cookies  cookieJar

	now func() time.Time
}

// NewHandler constructs an auth Handler. cleaner may be nil, in which case the
// admin cleanup route answers 503.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Service, loginSvc *login.Service, users UserReader, cleaner *session.Cleaner) (*Handler, error) {
	if sessions == nil || loginSvc == nil || users == nil {
		return nil, errors.New("auth: missing dependency")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		login:    loginSvc,
		users:    users,
		cleaner:  cleaner,
		limiter:  NewLoginLimiter(cfg.LoginEvery, cfg.LoginBurst),
		cookies:  cookieJar{cfg: cfg},
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/auth/login/terminate", h.handlePreLoginTerminate)
	mux.HandleFunc("/auth/refresh", h.handleRefresh)
	mux.HandleFunc("/auth/logout", h.handleLogout)
	mux.HandleFunc("/auth/sessions", h.handleSessions)
	mux.HandleFunc("/auth/sessions/terminate", h.handleTerminate)
	mux.HandleFunc("/admin/sessions/cleanup", h.handleCleanup)
	mux.HandleFunc("/me", h.handleMe)
}

// Limiter exposes the login limiter so the caller can prune it periodically.
func (h *Handler) Limiter() *LoginLimiter { return h.limiter }

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req loginRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)

	if ok, retryAfter := h.limiter.Allow(ip, now); !ok {
		h.audit(r, "auth.login.rate_limited", "username", identity.NormalizeUsername(req.Username))
		writeRateLimited(w, retryAfter)
		return
	}

	dev, err := session.ParseDevice(req.Device.Type, req.Device.Name, req.Device.Browser, req.Device.OS)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_device", "invalid device descriptor")
		return
	}
	dev.IP = ip

	res, err := h.login.Login(ctx, now, login.Input{
		Username: req.Username,
		Password: req.Password,
		Device:   dev,
	})
	if err != nil {
		if ce, ok := login.AsChoiceRequired(err); ok {
			h.audit(r, "auth.login.max_sessions", "username", identity.NormalizeUsername(req.Username), "limit", ce.Limit)
			writeJSON(w, http.StatusConflict, maxSessionsResponse{
				Error:                  apiError{Code: "max_sessions_reached", Message: "maximum active sessions reached; end one to continue"},
				Limit:                  ce.Limit,
				Sessions:               toSessionViews(ce.Sessions),
				PendingTicket:          ce.Ticket,
				PendingTicketExpiresAt: ce.TicketExpiresAt,
			})
			return
		}
		if errors.Is(err, login.ErrInvalidCredentials) {
			h.audit(r, "auth.login.failed", "username", identity.NormalizeUsername(req.Username))
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
			return
		}
		h.log.Error("auth.login.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit(r, "auth.login.success", "user_id", res.User.ID, "session_id", res.Issued.SessionID)

	tokens := toTokensResponse(res.Issued)
	if req.UseCookie && h.cfg.CookieEnabled {
		csrf, err := h.cookies.issue(w, res.Issued.RefreshToken, res.Issued.RefreshExp)
		if err != nil {
			h.log.Error("auth.login.web_cookie.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		tokens.RefreshToken = ""
		tokens.CSRFToken = csrf
	}

	writeJSON(w, http.StatusOK, loginResponse{
		User:    toUserResponse(res.User),
		Session: tokens,
	})
}

func (h *Handler) handlePreLoginTerminate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req preLoginTerminateRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	now := h.now()
	if ok, retryAfter := h.limiter.Allow(clientIP(r, h.cfg.TrustProxy), now); !ok {
		writeRateLimited(w, retryAfter)
		return
	}

	res, err := h.login.PreLoginTerminate(r.Context(), now, req.PendingTicket, req.SessionID)
	if err != nil {
		if errors.Is(err, login.ErrInvalidTicket) {
			writeError(w, http.StatusUnauthorized, "invalid_ticket", "pending login expired; sign in again")
			return
		}
		h.writeTerminateError(w, "auth.prelogin_terminate.fail", err)
		return
	}

	h.audit(r, "auth.prelogin.terminated", "session_id", res.SessionID, "remaining", res.Remaining)
	writeJSON(w, http.StatusOK, preLoginTerminateResponse{
		TerminatedSessionID: res.SessionID,
		RemainingSessions:   res.Remaining,
		NextStep:            string(login.StateRetrying),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req refreshRequest
	if r.ContentLength != 0 {
		if !h.readJSON(w, r, &req) {
			return
		}
	}

	refreshToken := strings.TrimSpace(req.RefreshToken)
	fromCookie := false
	if refreshToken == "" {
		refreshToken, fromCookie = h.cookies.refreshToken(r)
	}
	if refreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	if fromCookie && !h.cookies.csrfValid(r) {
		writeError(w, http.StatusForbidden, "csrf_invalid", "missing or invalid csrf token")
		return
	}

	issued, err := h.sessions.Rotate(r.Context(), h.now(), refreshToken)
	if err != nil {
		if errors.Is(err, session.ErrInvalidRefreshToken) {
			if fromCookie {
				h.cookies.clear(w)
			}
			writeError(w, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is not valid")
			return
		}
		if errors.Is(err, session.ErrLockTimeout) {
			writeLocked(w)
			return
		}
		h.log.Error("auth.refresh.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	tokens := toTokensResponse(issued)
	if fromCookie {
		csrf, err := h.cookies.issue(w, issued.RefreshToken, issued.RefreshExp)
		if err != nil {
			h.log.Error("auth.refresh.web_cookie.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		tokens.RefreshToken = ""
		tokens.CSRFToken = csrf
	}

	writeJSON(w, http.StatusOK, refreshResponse{Session: tokens})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	if err := h.sessions.RevokeForLogout(r.Context(), h.now(), claims.UserID, claims.TokenID); err != nil {
		if errors.Is(err, session.ErrLockTimeout) {
			writeLocked(w)
			return
		}
		h.log.Error("auth.logout.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit(r, "auth.logout", "user_id", claims.UserID, "session_id", claims.SessionID)
	h.cookies.clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	list, err := h.sessions.ListSessions(r.Context(), claims.UserID, claims.TokenID)
	if err != nil {
		h.log.Error("auth.sessions.list.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, sessionsResponse{
		Sessions: toSessionViews(list),
		Limit:    h.sessions.Config().MaxSessionsPerUser,
	})
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req terminateRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	remaining, err := h.sessions.Terminate(r.Context(), claims.UserID, strings.TrimSpace(req.SessionID))
	if err != nil {
		h.writeTerminateError(w, "auth.sessions.terminate.fail", err)
		return
	}

	h.audit(r, "auth.session.terminated", "user_id", claims.UserID, "session_id", req.SessionID, "remaining", remaining)
	writeJSON(w, http.StatusOK, terminateResponse{RemainingSessions: remaining})
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if claims.Role != string(identity.RoleAdmin) {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}
	if h.cleaner == nil {
		writeError(w, http.StatusServiceUnavailable, "cleanup_unavailable", "cleanup is not configured")
		return
	}

	res, err := h.cleaner.RunOnce(r.Context())
	if err != nil {
		h.log.Error("auth.cleanup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit(r, "auth.cleanup.manual", "user_id", claims.UserID, "rows", res.Total())
	writeJSON(w, http.StatusOK, cleanupResponse{
		ExpiredTokens:   res.ExpiredTokens,
		ExpiredSessions: res.ExpiredSessions,
		MarkedSessions:  res.MarkedSessions,
		PurgedTokens:    res.PurgedTokens,
		PurgedTickets:   res.PurgedTickets,
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	u, err := h.users.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, "not_found", "user not found")
			return
		}
		h.log.Error("auth.me.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(u)})
}

// ---- helpers ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.AccessClaims{}, false
	}

	claims, err := h.sessions.Verify(r.Context(), h.now(), token, clientIP(r, h.cfg.TrustProxy))
	switch {
	case err == nil:
		return claims, true
	case errors.Is(err, session.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token_expired", "access token expired")
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusUnauthorized, "session_not_active", "session not active")
	case errors.Is(err, session.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
	default:
		h.log.Error("auth.verify.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
	return session.AccessClaims{}, false
}

func (h *Handler) writeTerminateError(w http.ResponseWriter, event string, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, session.ErrLockTimeout):
		writeLocked(w)
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeLocked(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusServiceUnavailable, "session_locked", "session is busy; retry shortly")
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	return false
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(raw, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
