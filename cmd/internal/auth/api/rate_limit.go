package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LoginLimiter is a per-IP token bucket for unauthenticated login endpoints.
type LoginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	every    rate.Limit
	burst    int
}

// NewLoginLimiter allows one attempt per every, with bursts up to burst.
func NewLoginLimiter(every time.Duration, burst int) *LoginLimiter {
	if burst < 1 {
		burst = 1
	}
	return &LoginLimiter{
		limiters: make(map[string]*ipLimiter),
		every:    rate.Every(every),
		burst:    burst,
	}
}

// Allow consumes one token for ip. When the bucket is empty it reports how
// long until the next attempt would be admitted. A nil ip is never limited.
func (l *LoginLimiter) Allow(ip net.IP, now time.Time) (bool, time.Duration) {
	if l == nil || ip == nil {
		return true, 0
	}

	lim := l.get(ip.String(), now)
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (l *LoginLimiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.limiters[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(l.every, l.burst)
	l.limiters[key] = &ipLimiter{limiter: lim, lastSeen: now}
	return lim
}

// Prune drops buckets idle for longer than the idle TTL and returns how many remain.
func (l *LoginLimiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, v := range l.limiters {
		if now.Sub(v.lastSeen) > limiterIdleTTL {
			delete(l.limiters, ip)
		}
	}
	return len(l.limiters)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
