package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Health is the cleaner's view of the ledger.
type Health struct {
	LastRun             time.Time
	LastSuccess         time.Time
	LastResult          CleanupResult
	LastError           string
	ActiveSessions      int
	Errors              int64
	ConsecutiveFailures int
	Healthy             bool
}

// Cleaner runs Service.Cleanup on an interval and on demand.
type Cleaner struct {
	svc            *Service
	log            *slog.Logger
	interval       time.Duration
	unhealthyAfter int
	now            func() time.Time

	runMu sync.Mutex // one pass at a time

	mu     sync.Mutex
	health Health
	sched  *cron.Cron
}

// NewCleaner builds a Cleaner using the service's interval and health threshold.
func NewCleaner(svc *Service, log *slog.Logger) *Cleaner {
	if log == nil {
		log = slog.Default()
	}
	cfg := svc.Config()
	return &Cleaner{
		svc:            svc,
		log:            log,
		interval:       cfg.CleanupInterval,
		unhealthyAfter: cfg.CleanupUnhealthyAfter,
		now:            func() time.Time { return time.Now().UTC() },
		health:         Health{Healthy: true},
	}
}

// Start schedules periodic passes. Passes that would overlap a running one are skipped.
func (c *Cleaner) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sched != nil {
		return errors.New("session: cleaner already started")
	}

	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := sched.AddFunc("@every "+c.interval.String(), func() {
		_, _ = c.RunOnce(ctx)
	}); err != nil {
		return err
	}
	sched.Start()
	c.sched = sched

	c.log.Info("session.cleaner.started", "interval", c.interval)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (c *Cleaner) Stop() {
	c.mu.Lock()
	sched := c.sched
	c.sched = nil
	c.mu.Unlock()

	if sched == nil {
		return
	}
	<-sched.Stop().Done()
	c.log.Info("session.cleaner.stopped")
}

// RunOnce performs one pass: cleanup, then overflow eviction when enabled,
// then a refresh of the active-session gauge.
func (c *Cleaner) RunOnce(ctx context.Context) (CleanupResult, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	start := c.now()
	res, err := c.svc.Cleanup(ctx, start)
	if err == nil && c.svc.Config().AutoEvictOverflow {
		_, err = c.svc.EvictOverflow(ctx, start)
	}

	active := -1
	if err == nil {
		n, cerr := c.svc.CountAllActive(ctx)
		if cerr != nil {
			c.log.Warn("session.cleanup.count_failed", "err", cerr)
		} else {
			active = n
			c.svc.Metrics().setActive(n)
		}
	}

	c.record(start, res, active, err)

	if err != nil {
		c.log.Error("session.cleanup.failed", "err", err, "consecutive_failures", c.Health().ConsecutiveFailures)
		return CleanupResult{}, err
	}
	c.log.Info("session.cleanup.done",
		"expired_tokens", res.ExpiredTokens,
		"expired_sessions", res.ExpiredSessions,
		"marked_sessions", res.MarkedSessions,
		"purged_tokens", res.PurgedTokens,
		"purged_tickets", res.PurgedTickets,
		"elapsed", c.now().Sub(start),
	)
	return res, nil
}

func (c *Cleaner) record(at time.Time, res CleanupResult, active int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := &c.health
	h.LastRun = at
	if err != nil {
		h.Errors++
		h.ConsecutiveFailures++
		h.LastError = err.Error()
	} else {
		h.LastSuccess = at
		h.LastResult = res
		h.LastError = ""
		h.ConsecutiveFailures = 0
		if active >= 0 {
			h.ActiveSessions = active
		}
	}
	h.Healthy = h.ConsecutiveFailures < c.unhealthyAfter
}

// Health returns a snapshot of the cleaner's state.
func (c *Cleaner) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}
