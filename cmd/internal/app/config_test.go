package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	require.Equal(t, "json", cfg.LogFormat)
	require.Equal(t, 15*time.Second, cfg.ReadTimeout)
	require.Equal(t, int32(10), cfg.DBMaxConns)
	require.True(t, cfg.MetricsEnabled)
	require.Empty(t, cfg.CORSAllowedOrigins)
	require.Equal(t, 5*time.Minute, cfg.LimiterPruneInterval)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SG_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("SG_LOG_FORMAT", "Pretty")
	t.Setenv("SG_HTTP_READ_TIMEOUT", "2s")
	t.Setenv("SG_DB_MAX_CONNS", "4")
	t.Setenv("SG_METRICS_ENABLED", "false")
	t.Setenv("SG_CORS_ALLOWED_ORIGINS", "https://a.example.com/, http://127.0.0.1:*")

	cfg, err := loadConfig("")
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	require.Equal(t, "pretty", cfg.LogFormat)
	require.Equal(t, 2*time.Second, cfg.ReadTimeout)
	require.Equal(t, int32(4), cfg.DBMaxConns)
	require.False(t, cfg.MetricsEnabled)
	require.Equal(t, []string{"https://a.example.com", "http://127.0.0.1:*"}, cfg.CORSAllowedOrigins)
}

func TestLoadConfig_DotEnvBelowEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SG_HTTP_ADDR=127.0.0.1:7000\nSG_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("SG_LOG_LEVEL", "warn")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", cfg.HTTPAddr)
	require.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad format":       {"SG_LOG_FORMAT": "xml"},
		"zero timeout":     {"SG_HTTP_WRITE_TIMEOUT": "0s"},
		"min above max":    {"SG_DB_MIN_CONNS": "8", "SG_DB_MAX_CONNS": "2"},
		"migrate no db":    {"SG_MIGRATE_ON_START": "true"},
		"half bootstrap":   {"SG_BOOTSTRAP_ADMIN_USERNAME": "root"},
		"negative max age": {"SG_CORS_MAX_AGE_SECONDS": "-1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := loadConfig("")
			require.Error(t, err)
		})
	}
}
