package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the HTTP surface of the auth core.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// LoginEvery and LoginBurst shape the per-IP token bucket in front of
	// /auth/login and /auth/login/terminate.
	LoginEvery time.Duration
	LoginBurst int

	// CookieEnabled lets browser clients keep the refresh token in an
	// HttpOnly cookie guarded by a double-submit CSRF token.
	CookieEnabled     bool
	RefreshCookieName string
	CSRFCookieName    string
	CSRFHeaderName    string
	CookiePath        string
	CookieDomain      string
	CookieSecure      bool
	CookieSameSite    http.SameSite
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:      1 << 20,
		LoginEvery:        3 * time.Second,
		LoginBurst:        10,
		CookieEnabled:     true,
		RefreshCookieName: "sg_refresh_token",
		CSRFCookieName:    "sg_csrf_token",
		CSRFHeaderName:    "X-CSRF-Token",
		CookiePath:        "/auth",
		CookieSecure:      true,
		CookieSameSite:    http.SameSiteStrictMode,
	}
}

// LoadConfigFromEnv overlays SG_AUTH_* variables on DefaultConfig.
// Malformed or non-positive values keep the default.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.TrustProxy = envBool("SG_AUTH_TRUST_PROXY", cfg.TrustProxy)
	cfg.MaxBodyBytes = int64(envInt("SG_AUTH_MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))
	cfg.LoginEvery = envDuration("SG_AUTH_LOGIN_EVERY", cfg.LoginEvery)
	cfg.LoginBurst = envInt("SG_AUTH_LOGIN_BURST", cfg.LoginBurst)
	cfg.CookieEnabled = envBool("SG_AUTH_COOKIE_ENABLED", cfg.CookieEnabled)
	cfg.CookieSecure = envBool("SG_AUTH_COOKIE_SECURE", cfg.CookieSecure)
	cfg.CookieDomain = strings.TrimSpace(os.Getenv("SG_AUTH_COOKIE_DOMAIN"))
	cfg.RefreshCookieName = envString("SG_AUTH_REFRESH_COOKIE_NAME", cfg.RefreshCookieName)
	cfg.CSRFCookieName = envString("SG_AUTH_CSRF_COOKIE_NAME", cfg.CSRFCookieName)

	if v := strings.TrimSpace(os.Getenv("SG_AUTH_COOKIE_SAMESITE")); v != "" {
		cfg.CookieSameSite = parseSameSite(v)
	}

	// Browsers drop SameSite=None cookies without Secure.
	if cfg.CookieSameSite == http.SameSiteNoneMode {
		cfg.CookieSecure = true
	}
	if cfg.CSRFCookieName == cfg.RefreshCookieName {
		cfg.CSRFCookieName = cfg.RefreshCookieName + "_csrf"
	}

	return cfg
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteStrictMode
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
