package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains the runtime settings of the server process. Session, cookie and
// password policy live in their own packages and are loaded from the same environment.
type Config struct {
	HTTPAddr  string `mapstructure:"SG_HTTP_ADDR"`
	LogLevel  string `mapstructure:"SG_LOG_LEVEL"`
	LogFormat string `mapstructure:"SG_LOG_FORMAT"`
	LogColor  bool   `mapstructure:"SG_LOG_COLOR"`

	ReadHeaderTimeout time.Duration `mapstructure:"SG_HTTP_READ_HEADER_TIMEOUT"`
	ReadTimeout       time.Duration `mapstructure:"SG_HTTP_READ_TIMEOUT"`
	WriteTimeout      time.Duration `mapstructure:"SG_HTTP_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `mapstructure:"SG_HTTP_IDLE_TIMEOUT"`
	MaxHeaderBytes    int           `mapstructure:"SG_HTTP_MAX_HEADER_BYTES"`
	ShutdownTimeout   time.Duration `mapstructure:"SG_SHUTDOWN_TIMEOUT"`

	// DatabaseURL selects the Postgres stores. Empty means in-memory stores.
	DatabaseURL    string `mapstructure:"SG_DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"SG_DB_MAX_CONNS"`
	DBMinConns     int32  `mapstructure:"SG_DB_MIN_CONNS"`
	MigrateOnStart bool   `mapstructure:"SG_MIGRATE_ON_START"`

	// ReadinessRequireDB makes /readyz fail unless Postgres is configured and reachable.
	ReadinessRequireDB bool `mapstructure:"SG_READINESS_REQUIRE_DB"`

	// RequireTokenHMAC refuses to start unless SG_TOKEN_HMAC_KEY is set.
	RequireTokenHMAC bool `mapstructure:"SG_REQUIRE_TOKEN_HMAC"`

	// CORSAllowedOrigins lists exact origins or "scheme://host:*" port wildcards.
	CORSAllowedOrigins   []string `mapstructure:"SG_CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool     `mapstructure:"SG_CORS_ALLOW_CREDENTIALS"`
	CORSMaxAgeSeconds    int      `mapstructure:"SG_CORS_MAX_AGE_SECONDS"`

	MetricsEnabled       bool          `mapstructure:"SG_METRICS_ENABLED"`
	LimiterPruneInterval time.Duration `mapstructure:"SG_LIMITER_PRUNE_INTERVAL"`

	// Optional first admin account, created at startup when missing.
	BootstrapAdminUsername string `mapstructure:"SG_BOOTSTRAP_ADMIN_USERNAME"`
	BootstrapAdminPassword string `mapstructure:"SG_BOOTSTRAP_ADMIN_PASSWORD"`
}

var defaults = map[string]any{
	"SG_HTTP_ADDR":                "0.0.0.0:8080",
	"SG_LOG_LEVEL":                "info",
	"SG_LOG_FORMAT":               "json",
	"SG_LOG_COLOR":                false,
	"SG_HTTP_READ_HEADER_TIMEOUT": "5s",
	"SG_HTTP_READ_TIMEOUT":        "15s",
	"SG_HTTP_WRITE_TIMEOUT":       "15s",
	"SG_HTTP_IDLE_TIMEOUT":        "60s",
	"SG_HTTP_MAX_HEADER_BYTES":    1 << 20,
	"SG_SHUTDOWN_TIMEOUT":         "10s",
	"SG_DATABASE_URL":             "",
	"SG_DB_MAX_CONNS":             10,
	"SG_DB_MIN_CONNS":             0,
	"SG_MIGRATE_ON_START":         false,
	"SG_READINESS_REQUIRE_DB":     false,
	"SG_REQUIRE_TOKEN_HMAC":       false,
	"SG_CORS_ALLOWED_ORIGINS":     "",
	"SG_CORS_ALLOW_CREDENTIALS":   false,
	"SG_CORS_MAX_AGE_SECONDS":     600,
	"SG_METRICS_ENABLED":          true,
	"SG_LIMITER_PRUNE_INTERVAL":   "5m",
	"SG_BOOTSTRAP_ADMIN_USERNAME": "",
	"SG_BOOTSTRAP_ADMIN_PASSWORD": "",
}

// LoadConfig reads .env (if present) and the environment, applies defaults and validates.
// Environment variables win over .env entries.
func LoadConfig() (Config, error) {
	return loadConfig(".env")
}

func loadConfig(envFile string) (Config, error) {
	v := viper.New()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig()
	}
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.CORSAllowedOrigins = cleanOrigins(cfg.CORSAllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.HTTPAddr) == "":
		return errors.New("config: SG_HTTP_ADDR must be set")
	case c.LogFormat != "json" && c.LogFormat != "pretty":
		return fmt.Errorf("config: SG_LOG_FORMAT must be json or pretty, got %q", c.LogFormat)
	case c.ReadHeaderTimeout <= 0 || c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.IdleTimeout <= 0:
		return errors.New("config: HTTP timeouts must be positive")
	case c.ShutdownTimeout <= 0:
		return errors.New("config: SG_SHUTDOWN_TIMEOUT must be positive")
	case c.MaxHeaderBytes <= 0:
		return errors.New("config: SG_HTTP_MAX_HEADER_BYTES must be positive")
	case c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns:
		return errors.New("config: need 0 <= SG_DB_MIN_CONNS <= SG_DB_MAX_CONNS and SG_DB_MAX_CONNS >= 1")
	case c.MigrateOnStart && c.DatabaseURL == "":
		return errors.New("config: SG_MIGRATE_ON_START requires SG_DATABASE_URL")
	case c.CORSMaxAgeSeconds < 0:
		return errors.New("config: SG_CORS_MAX_AGE_SECONDS must be >= 0")
	case c.LimiterPruneInterval <= 0:
		return errors.New("config: SG_LIMITER_PRUNE_INTERVAL must be positive")
	case (c.BootstrapAdminUsername == "") != (c.BootstrapAdminPassword == ""):
		return errors.New("config: SG_BOOTSTRAP_ADMIN_USERNAME and SG_BOOTSTRAP_ADMIN_PASSWORD go together")
	}
	return nil
}

func cleanOrigins(in []string) []string {
	var out []string
	for _, raw := range in {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
