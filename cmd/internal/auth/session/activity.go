package session

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const touchTimeout = 2 * time.Second

type touch struct {
	tokenID string
	at      time.Time
	ip      net.IP
}

// ActivityTracker applies lastActive bumps off the request path.
// Record never blocks; when the queue is full the bump is dropped.
type ActivityTracker struct {
	store   Store
	log     *slog.Logger
	metrics *Metrics

	queue chan touch
	stop  chan struct{}
	done  chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewActivityTracker returns a tracker with a queue of size entries. Start must be
// called before bumps are applied.
func NewActivityTracker(store Store, size int, log *slog.Logger, metrics *Metrics) *ActivityTracker {
	if log == nil {
		log = slog.Default()
	}
	if size < 1 {
		size = 1
	}
	return &ActivityTracker{
		store:   store,
		log:     log,
		metrics: metrics,
		queue:   make(chan touch, size),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Record enqueues a bump and reports whether it was accepted.
func (a *ActivityTracker) Record(tokenID string, at time.Time, ip net.IP) bool {
	select {
	case <-a.stop:
		return false
	default:
	}

	select {
	case a.queue <- touch{tokenID: tokenID, at: at, ip: ip}:
		return true
	default:
		a.metrics.activityDrop()
		a.log.Debug("session.activity.dropped", "token_id", tokenID)
		return false
	}
}

// Start launches the worker. It returns immediately; the worker exits on Stop
// or when ctx is done.
func (a *ActivityTracker) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		go a.run(ctx)
	})
}

// Stop applies queued bumps and waits for the worker to exit.
// Stop on a tracker that was never started discards the queue.
func (a *ActivityTracker) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })

	started := true
	a.startOnce.Do(func() { started = false })
	if started {
		<-a.done
	}
}

func (a *ActivityTracker) run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			a.drain()
			return
		case t := <-a.queue:
			a.apply(ctx, t)
		}
	}
}

func (a *ActivityTracker) drain() {
	for {
		select {
		case t := <-a.queue:
			a.apply(context.Background(), t)
		default:
			return
		}
	}
}

func (a *ActivityTracker) apply(parent context.Context, t touch) {
	ctx, cancel := context.WithTimeout(parent, touchTimeout)
	defer cancel()

	if err := a.store.Touch(ctx, t.tokenID, t.at, t.ip); err != nil {
		a.log.Warn("session.activity.failed", "token_id", t.tokenID, "err", err)
	}
}
