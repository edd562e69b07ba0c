package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session subsystem collectors. A nil *Metrics records nothing.
type Metrics struct {
	cleanupRuns     *prometheus.CounterVec
	cleanupRows     *prometheus.CounterVec
	lastCleanup     prometheus.Gauge
	activeSessions  prometheus.Gauge
	activityDropped prometheus.Counter
	evictions       prometheus.Counter
	logins          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cleanupRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "cleanup",
			Name:      "runs_total",
			Help:      "Cleanup passes by result.",
		}, []string{"result"}),
		cleanupRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "cleanup",
			Name:      "rows_total",
			Help:      "Rows changed by cleanup, by category.",
		}, []string{"category"}),
		lastCleanup: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessiongate",
			Subsystem: "cleanup",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful cleanup pass.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessiongate",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Sessions not marked for deletion, as of the last cleanup.",
		}),
		activityDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "sessions",
			Name:      "activity_dropped_total",
			Help:      "Activity updates dropped because the queue was full.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "sessions",
			Name:      "overflow_evictions_total",
			Help:      "Sessions evicted by the overflow safety valve.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.cleanupRuns,
			m.cleanupRows,
			m.lastCleanup,
			m.activeSessions,
			m.activityDropped,
			m.evictions,
			m.logins,
		)
	}
	return m
}

func (m *Metrics) observeCleanup(res CleanupResult, err error, at time.Time) {
	if m == nil {
		return
	}
	if err != nil {
		m.cleanupRuns.WithLabelValues("error").Inc()
		return
	}
	m.cleanupRuns.WithLabelValues("ok").Inc()
	m.cleanupRows.WithLabelValues("expired_tokens").Add(float64(res.ExpiredTokens))
	m.cleanupRows.WithLabelValues("expired_sessions").Add(float64(res.ExpiredSessions))
	m.cleanupRows.WithLabelValues("marked_sessions").Add(float64(res.MarkedSessions))
	m.cleanupRows.WithLabelValues("purged_tokens").Add(float64(res.PurgedTokens))
	m.cleanupRows.WithLabelValues("purged_tickets").Add(float64(res.PurgedTickets))
	m.lastCleanup.Set(float64(at.Unix()))
}

func (m *Metrics) setActive(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) activityDrop() {
	if m == nil {
		return
	}
	m.activityDropped.Inc()
}

func (m *Metrics) evicted(n int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
}

// Login counts one login attempt. Outcomes are "issued", "max_sessions",
// "invalid_credentials" and "error".
func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}
