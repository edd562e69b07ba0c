// Package app wires the sessiongate server: config, logging, stores, background
// workers and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sessiongate/cmd/identity"
	"sessiongate/cmd/internal/auth/api"
	"sessiongate/cmd/internal/auth/login"
	"sessiongate/cmd/internal/auth/session"
	"sessiongate/cmd/internal/db/migrate"
	"sessiongate/cmd/security/password"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// App owns the process-wide dependencies and their lifecycles.
type App struct {
	cfg Config
	log Logger

	pool     *pgxpool.Pool
	registry *prometheus.Registry
	metrics  *httpMetrics

	users    identity.Store
	sessions *session.Service
	activity *session.ActivityTracker
	cleaner  *session.Cleaner
	auth     *api.Handler
}

// New builds a fully wired App. Session, cookie and password settings are read from
// the environment by their own packages.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	pwCfg, err := password.FromEnv()
	if err != nil {
		return nil, err
	}
	hasher, err := refreshHasher(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}

	var sessStore session.Store
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		a.users = identity.NewMemoryStore()
		sessStore = session.NewMemoryStore()
	} else {
		if cfg.MigrateOnStart {
			if err := migrate.Run(cfg.DatabaseURL, migrate.Up); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("db.migrated")
		}
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		users, err := identity.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.users = users
		sessStore = session.NewPostgresStore(pool)
		log.Info("db.enabled.postgres_store")
	}

	var sessMetrics *session.Metrics
	if cfg.MetricsEnabled {
		a.registry = newRegistry()
		a.metrics = newHTTPMetrics(a.registry)
		sessMetrics = session.NewMetrics(a.registry)
	}

	a.activity = session.NewActivityTracker(sessStore, sessCfg.ActivityQueueSize, log, sessMetrics)
	a.sessions, err = session.NewService(sessCfg, sessStore,
		session.WithLogger(log),
		session.WithHasher(hasher),
		session.WithActivityTracker(a.activity),
		session.WithMetrics(sessMetrics),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.cleaner = session.NewCleaner(a.sessions, log)

	creds, err := identity.NewAuthenticator(a.users, pwCfg, log)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := ensureAdmin(ctx, creds, cfg, log); err != nil {
		a.close()
		return nil, err
	}

	loginSvc := login.NewService(creds, a.sessions, log, sessMetrics)
	a.auth, err = api.NewHandler(log, api.LoadConfigFromEnv(), a.sessions, loginSvc, a.users, a.cleaner)
	if err != nil {
		a.close()
		return nil, err
	}

	log.Info("app.ready",
		"max_sessions_per_user", sessCfg.MaxSessionsPerUser,
		"cleanup_interval", sessCfg.CleanupInterval,
		"token_hmac", hasher.HMAC(),
		"metrics", cfg.MetricsEnabled,
	)
	return a, nil
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, a.log, a.metrics)
	return WithRecover(h, a.log)
}

// Run serves HTTP and runs the cleaner, the activity worker and limiter pruning
// until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)

	a.activity.Start(gctx)
	if err := a.cleaner.Start(gctx); err != nil {
		a.activity.Stop()
		return err
	}

	g.Go(func() error {
		a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		a.cleaner.Stop()
		a.activity.Stop()
		return err
	})

	g.Go(func() error {
		t := time.NewTicker(a.cfg.LimiterPruneInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-t.C:
				n := a.auth.Limiter().Prune(now)
				a.log.Debug("auth.limiter.pruned", "tracked", n)
			}
		}
	})

	err := g.Wait()
	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

// ensureAdmin creates the bootstrap admin when configured. An existing account is kept as is.
func ensureAdmin(ctx context.Context, creds *identity.Authenticator, cfg Config, log Logger) error {
	if cfg.BootstrapAdminUsername == "" {
		return nil
	}
	u, err := creds.Register(ctx, cfg.BootstrapAdminUsername, cfg.BootstrapAdminPassword, identity.RoleAdmin, time.Now().UTC())
	switch {
	case identity.IsConflict(err):
		log.Info("app.bootstrap_admin.exists", "username", cfg.BootstrapAdminUsername)
		return nil
	case err != nil:
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	log.Info("app.bootstrap_admin.created", "user_id", u.ID)
	return nil
}
