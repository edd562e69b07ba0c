package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	*MemoryStore
	err error
}

func (f *failingStore) Cleanup(context.Context, time.Time) (CleanupResult, error) {
	return CleanupResult{}, f.err
}

func (f *failingStore) Touch(context.Context, string, time.Time, net.IP) error { return f.err }

func TestCleaner_RunOnceUpdatesHealth(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	svc, err := NewService(testConfig(), store, WithLogger(discardLogger()), WithMetrics(m))
	require.NoError(t, err)

	seedSession(t, store, "keep", "u1", "t-keep", t0)
	seedSession(t, store, "drop", "u1", "t-drop", t0)
	require.NoError(t, store.MarkByTokenID(context.Background(), "t-drop", t0))

	c := NewCleaner(svc, discardLogger())
	c.now = func() time.Time { return t0.Add(time.Hour) }

	res, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, res.MarkedSessions)

	h := c.Health()
	require.True(t, h.Healthy)
	require.Equal(t, 1, h.ActiveSessions)
	require.Equal(t, t0.Add(time.Hour), h.LastSuccess)
	require.Zero(t, h.ConsecutiveFailures)

	require.InDelta(t, 1, metricValue(t, m.activeSessions), 0)
	require.InDelta(t, 1, metricValue(t, m.cleanupRuns.WithLabelValues("ok")), 0)
}

func TestCleaner_UnhealthyAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	store := &failingStore{MemoryStore: NewMemoryStore(), err: errors.New("db down")}
	svc, err := NewService(testConfig(), store, WithLogger(discardLogger()))
	require.NoError(t, err)

	c := NewCleaner(svc, discardLogger())
	for i := 1; i <= 3; i++ {
		_, err := c.RunOnce(context.Background())
		require.Error(t, err)
		require.Equal(t, i, c.Health().ConsecutiveFailures)
	}
	h := c.Health()
	require.False(t, h.Healthy)
	require.EqualValues(t, 3, h.Errors)
	require.Contains(t, h.LastError, "db down")

	store.err = nil
	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, c.Health().Healthy)
	require.EqualValues(t, 3, c.Health().Errors)
}

func TestCleaner_AutoEvictOverflow(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	for i, id := range []string{"a", "b", "c", "d"} {
		seedSession(t, store, id, "u1", "t-"+id, t0.Add(time.Duration(i)*time.Minute))
	}

	cfg := testConfig()
	cfg.AutoEvictOverflow = true
	svc, err := NewService(cfg, store, WithLogger(discardLogger()))
	require.NoError(t, err)

	c := NewCleaner(svc, discardLogger())
	c.now = func() time.Time { return t0.Add(time.Hour) }

	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)

	n, err := store.CountActive(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, err = store.GetActiveByTokenID(context.Background(), "t-a")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCleaner_StartStop(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	c := NewCleaner(svc, discardLogger())
	require.NoError(t, c.Start(context.Background()))
	require.Error(t, c.Start(context.Background()))
	c.Stop()
	c.Stop()
}
