package session

import (
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadConfigFromEnv_MissingSecret(t *testing.T) {
	t.Setenv("SG_JWT_SECRET", "")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig on missing secret, got %v", err)
	}
}

func TestLoadConfigFromEnv_ShortSecret(t *testing.T) {
	t.Setenv("SG_JWT_SECRET", "too-short")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig on short secret, got %v", err)
	}
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	cases := map[string]string{
		"SG_ACCESS_TOKEN_TTL":         "-5m",
		"SG_REFRESH_TOKEN_TTL":        "soon",
		"SG_MAX_SESSIONS_PER_USER":    "0",
		"SG_CLEANUP_UNHEALTHY_AFTER":  "zero",
		"SG_TERMINATION_LOCK_TIMEOUT": "0s",
		"SG_AUTO_EVICT_OVERFLOW":      "maybe",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("SG_JWT_SECRET", testSecret)
			t.Setenv(key, val)
			if _, err := LoadConfigFromEnv(); err != ErrConfig {
				t.Fatalf("expected ErrConfig for %s=%q, got %v", key, val, err)
			}
		})
	}
}

func TestLoadConfigFromEnv_RefreshShorterThanAccess(t *testing.T) {
	t.Setenv("SG_JWT_SECRET", testSecret)
	t.Setenv("SG_ACCESS_TOKEN_TTL", "2h")
	t.Setenv("SG_REFRESH_TOKEN_TTL", "1h")
	if _, err := LoadConfigFromEnv(); err != ErrConfig {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	t.Setenv("SG_JWT_SECRET", "  "+testSecret+"  ")
	t.Setenv("SG_JWT_ISSUER", "sg-test")
	t.Setenv("SG_MAX_SESSIONS_PER_USER", "5")
	t.Setenv("SG_ACCESS_TOKEN_TTL", "10m")
	t.Setenv("SG_REFRESH_TOKEN_TTL", "48h")
	t.Setenv("SG_CLEANUP_INTERVAL", "15m")
	t.Setenv("SG_AUTO_EVICT_OVERFLOW", "true")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if string(cfg.JWTSecret) != testSecret {
		t.Fatalf("secret not trimmed: %q", cfg.JWTSecret)
	}
	if cfg.Issuer != "sg-test" || cfg.MaxSessionsPerUser != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.AccessTokenTTL != 10*time.Minute || cfg.RefreshTokenTTL != 48*time.Hour || cfg.CleanupInterval != 15*time.Minute {
		t.Fatalf("durations not applied: %+v", cfg)
	}
	if !cfg.AutoEvictOverflow {
		t.Fatalf("expected AutoEvictOverflow")
	}
	if cfg.TerminationLockTimeout != 5*time.Second || cfg.PendingLoginTTL != 5*time.Minute {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
}

func TestDefaultConfig_NeedsOnlySecret(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Validate() != ErrConfig {
		t.Fatalf("default config without secret must be invalid")
	}
	cfg.JWTSecret = []byte(strings.Repeat("s", 32))
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}
