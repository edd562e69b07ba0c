package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// audit writes a security event. Events share the "audit" logger attribute so
// they can be routed separately from request logs.
func (h *Handler) audit(r *http.Request, action string, attrs ...any) {
	base := []any{
		"audit", true,
		"ip", ipString(clientIP(r, h.cfg.TrustProxy)),
		"user_agent", truncate(strings.TrimSpace(r.UserAgent()), 256),
	}
	h.log.Log(r.Context(), slog.LevelInfo, action, append(base, attrs...)...)
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
