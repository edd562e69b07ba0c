package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

// cookieJar carries refresh tokens for browser clients: the token rides in an
// HttpOnly cookie and a script-readable CSRF cookie must be echoed in a header.
type cookieJar struct {
	cfg Config
}

// issue sets both cookies and returns the CSRF value for the response body.
func (j cookieJar) issue(w http.ResponseWriter, refreshToken string, exp time.Time) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	csrf := base64.RawURLEncoding.EncodeToString(buf)

	http.SetCookie(w, j.cookie(j.cfg.RefreshCookieName, refreshToken, exp, true))
	http.SetCookie(w, j.cookie(j.cfg.CSRFCookieName, csrf, exp, false))
	return csrf, nil
}

func (j cookieJar) clear(w http.ResponseWriter) {
	if !j.cfg.CookieEnabled {
		return
	}
	for _, c := range []*http.Cookie{
		j.cookie(j.cfg.RefreshCookieName, "", time.Unix(0, 0).UTC(), true),
		j.cookie(j.cfg.CSRFCookieName, "", time.Unix(0, 0).UTC(), false),
	} {
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

// refreshToken returns the cookie-borne refresh token, if any.
func (j cookieJar) refreshToken(r *http.Request) (string, bool) {
	v := j.value(r, j.cfg.RefreshCookieName)
	return v, v != ""
}

// csrfValid reports whether the CSRF header matches the CSRF cookie.
func (j cookieJar) csrfValid(r *http.Request) bool {
	want := j.value(r, j.cfg.CSRFCookieName)
	got := strings.TrimSpace(r.Header.Get(j.cfg.CSRFHeaderName))
	if want == "" || len(want) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func (j cookieJar) value(r *http.Request, name string) string {
	if !j.cfg.CookieEnabled {
		return ""
	}
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

func (j cookieJar) cookie(name, value string, exp time.Time, httpOnly bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     j.cfg.CookiePath,
		Domain:   j.cfg.CookieDomain,
		Expires:  exp,
		HttpOnly: httpOnly,
		Secure:   j.cfg.CookieSecure,
		SameSite: j.cfg.CookieSameSite,
	}
}
