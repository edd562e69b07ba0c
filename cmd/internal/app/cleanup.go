package app

import (
	"context"
	"errors"
	"time"

	"sessiongate/cmd/internal/auth/session"
)

// CleanupOnce runs a single session cleanup pass against Postgres and returns.
// It backs cmd/sessioncleanup for deployments that schedule cleanup externally.
func CleanupOnce(ctx context.Context) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("SG_DATABASE_URL is required")
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	svc, err := session.NewService(sessCfg, session.NewPostgresStore(pool), session.WithLogger(log))
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := session.NewCleaner(svc, log).RunOnce(ctx)
	if err != nil {
		return err
	}
	log.Info("session.cleanup.oneshot.done",
		"expired_tokens", res.ExpiredTokens,
		"expired_sessions", res.ExpiredSessions,
		"marked_sessions", res.MarkedSessions,
		"purged_tokens", res.PurgedTokens,
		"purged_tickets", res.PurgedTickets,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
