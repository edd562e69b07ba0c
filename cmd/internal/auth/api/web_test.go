package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCookieJar_Issue(t *testing.T) {
	j := cookieJar{cfg: DefaultConfig()}

	rr := httptest.NewRecorder()
	exp := time.Now().UTC().Add(30 * time.Minute)
	csrf, err := j.issue(rr, "refresh-token-123", exp)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if csrf == "" {
		t.Fatalf("expected csrf token")
	}

	cookies := rr.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected 2 cookies, got %d", len(cookies))
	}
	for _, c := range cookies {
		if c.Path != "/auth" || !c.Secure || c.SameSite != http.SameSiteStrictMode {
			t.Fatalf("cookie attributes not applied: %+v", c)
		}
		switch c.Name {
		case "sg_refresh_token":
			if !c.HttpOnly || c.Value != "refresh-token-123" {
				t.Fatalf("refresh cookie must be HttpOnly and carry the token: %+v", c)
			}
		case "sg_csrf_token":
			if c.HttpOnly || c.Value != csrf {
				t.Fatalf("csrf cookie must be readable by scripts: %+v", c)
			}
		default:
			t.Fatalf("unexpected cookie %q", c.Name)
		}
	}
}

func TestCookieJar_Clear(t *testing.T) {
	j := cookieJar{cfg: DefaultConfig()}

	rr := httptest.NewRecorder()
	j.clear(rr)
	cookies := rr.Result().Cookies()
	if len(cookies) != 2 {
		t.Fatalf("expected 2 expiring cookies, got %d", len(cookies))
	}
	for _, c := range cookies {
		if c.MaxAge >= 0 || c.Value != "" {
			t.Fatalf("cookie %q not expired: %+v", c.Name, c)
		}
	}

	j.cfg.CookieEnabled = false
	rr = httptest.NewRecorder()
	j.clear(rr)
	if n := len(rr.Result().Cookies()); n != 0 {
		t.Fatalf("cookie transport disabled, got %d cookies", n)
	}
}

func TestCookieJar_CSRFDoubleSubmit(t *testing.T) {
	j := cookieJar{cfg: DefaultConfig()}

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "sg_csrf_token", Value: "csrf-abc"})
	req.Header.Set("X-CSRF-Token", "csrf-abc")

	if !j.csrfValid(req) {
		t.Fatalf("expected csrf validation success")
	}

	req.Header.Set("X-CSRF-Token", "csrf-def")
	if j.csrfValid(req) {
		t.Fatalf("expected csrf validation failure on mismatch")
	}

	req.Header.Del("X-CSRF-Token")
	if j.csrfValid(req) {
		t.Fatalf("expected csrf validation failure without header")
	}

	bare := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	if j.csrfValid(bare) {
		t.Fatalf("empty cookie and header must not validate")
	}
}

func TestCookieJar_RefreshToken(t *testing.T) {
	j := cookieJar{cfg: DefaultConfig()}

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: "sg_refresh_token", Value: " tok-123 "})

	token, ok := j.refreshToken(req)
	if !ok || token != "tok-123" {
		t.Fatalf("unexpected cookie token: %q ok=%v", token, ok)
	}

	j.cfg.CookieEnabled = false
	if _, ok := j.refreshToken(req); ok {
		t.Fatalf("cookie transport disabled")
	}
}
