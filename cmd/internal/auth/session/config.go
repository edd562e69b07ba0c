package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config defines all runtime configuration for the session subsystem.
type Config struct {
	// Issuer is the "iss" claim of every token.
	Issuer string

	// JWTSecret is the HS256 signing key (at least 32 bytes).
	JWTSecret []byte

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// PendingLoginTTL bounds how long a max-sessions ticket may be used to
	// terminate a session before credentials must be re-entered.
	PendingLoginTTL time.Duration

	// ClockSkew is the leeway applied when validating exp/nbf/iat.
	ClockSkew time.Duration

	MaxSessionsPerUser int

	// TerminationLockTimeout bounds how long termination waits for a session row lock.
	TerminationLockTimeout time.Duration

	CleanupInterval       time.Duration
	CleanupUnhealthyAfter int

	// AutoEvictOverflow lets the cleaner evict least-recently-active sessions of
	// users found above the cap. Login never evicts.
	AutoEvictOverflow bool

	// ActivityQueueSize bounds pending lastActive updates.
	ActivityQueueSize int
}

const minJWTSecretBytes = 32

// DefaultConfig returns defaults for everything except JWTSecret.
func DefaultConfig() Config {
	return Config{
		Issuer:                 "sessiongate",
		AccessTokenTTL:         time.Hour,
		RefreshTokenTTL:        7 * 24 * time.Hour,
		PendingLoginTTL:        5 * time.Minute,
		ClockSkew:              30 * time.Second,
		MaxSessionsPerUser:     3,
		TerminationLockTimeout: 5 * time.Second,
		CleanupInterval:        time.Hour,
		CleanupUnhealthyAfter:  3,
		ActivityQueueSize:      1024,
	}
}

// Validate rejects impossible values.
func (c Config) Validate() error {
	switch {
	case len(c.JWTSecret) < minJWTSecretBytes:
		return ErrConfig
	case strings.TrimSpace(c.Issuer) == "":
		return ErrConfig
	case c.AccessTokenTTL <= 0, c.RefreshTokenTTL <= 0, c.PendingLoginTTL <= 0:
		return ErrConfig
	case c.RefreshTokenTTL < c.AccessTokenTTL:
		return ErrConfig
	case c.ClockSkew < 0:
		return ErrConfig
	case c.MaxSessionsPerUser < 1:
		return ErrConfig
	case c.TerminationLockTimeout <= 0:
		return ErrConfig
	case c.CleanupInterval <= 0, c.CleanupUnhealthyAfter < 1:
		return ErrConfig
	case c.ActivityQueueSize < 1:
		return ErrConfig
	}
	return nil
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - SG_JWT_SECRET (>= 32 bytes)
//
// Optional:
//   - SG_JWT_ISSUER
//   - SG_MAX_SESSIONS_PER_USER
//   - SG_ACCESS_TOKEN_TTL, SG_REFRESH_TOKEN_TTL, SG_PENDING_LOGIN_TTL
//   - SG_CLOCK_SKEW
//   - SG_TERMINATION_LOCK_TIMEOUT
//   - SG_CLEANUP_INTERVAL, SG_CLEANUP_UNHEALTHY_AFTER
//   - SG_AUTO_EVICT_OVERFLOW
//   - SG_ACTIVITY_QUEUE_SIZE
//
// A present but malformed value yields ErrConfig.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("SG_JWT_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	cfg.JWTSecret = []byte(strings.TrimSpace(os.Getenv("SG_JWT_SECRET")))

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SG_ACCESS_TOKEN_TTL", &cfg.AccessTokenTTL},
		{"SG_REFRESH_TOKEN_TTL", &cfg.RefreshTokenTTL},
		{"SG_PENDING_LOGIN_TTL", &cfg.PendingLoginTTL},
		{"SG_CLOCK_SKEW", &cfg.ClockSkew},
		{"SG_TERMINATION_LOCK_TIMEOUT", &cfg.TerminationLockTimeout},
		{"SG_CLEANUP_INTERVAL", &cfg.CleanupInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SG_MAX_SESSIONS_PER_USER", &cfg.MaxSessionsPerUser},
		{"SG_CLEANUP_UNHEALTHY_AFTER", &cfg.CleanupUnhealthyAfter},
		{"SG_ACTIVITY_QUEUE_SIZE", &cfg.ActivityQueueSize},
	}
	for _, n := range ints {
		v := strings.TrimSpace(os.Getenv(n.key))
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		*n.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("SG_AUTO_EVICT_OVERFLOW")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.AutoEvictOverflow = b
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
