package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/migadu/roster/pkg/circuitbreaker"
	"github.com/migadu/roster/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorCriticalFailureIsUnhealthy(t *testing.T) {
	m := NewMonitor()
	dbErr := errors.New("connection refused")
	var fail bool
	m.Register(PingCheck("database", func(ctx context.Context) error {
		if fail {
			return dbErr
		}
		return nil
	}))

	m.RunChecks(context.Background())
	assert.Equal(t, StatusHealthy, m.OverallStatus())
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.ComponentHealthStatus.WithLabelValues("database")))

	fail = true
	m.RunChecks(context.Background())
	assert.Equal(t, StatusUnhealthy, m.OverallStatus())

	snap := m.Snapshots()["database"]
	assert.Equal(t, StatusUnhealthy, snap.Status)
	assert.True(t, snap.Critical)
	assert.Equal(t, "connection refused", snap.LastError)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ComponentHealthStatus.WithLabelValues("database")))
}

func TestMonitorOccasionalFailureDegrades(t *testing.T) {
	m := NewMonitor()
	calls := 0
	m.Register(&Check{Name: "flaky", Check: func(ctx context.Context) error {
		calls++
		if calls == 3 {
			return errors.New("timeout")
		}
		return nil
	}})

	for i := 0; i < 3; i++ {
		m.RunChecks(context.Background())
	}
	assert.Equal(t, StatusDegraded, m.Snapshots()["flaky"].Status)
	assert.Equal(t, StatusDegraded, m.OverallStatus())

	m.RunChecks(context.Background())
	assert.Equal(t, StatusHealthy, m.OverallStatus())
}

func TestMonitorNonCriticalFailureOnlyDegrades(t *testing.T) {
	m := NewMonitor()
	m.Register(BacklogCheck("outbox", 2, func(ctx context.Context) (int, error) { return 5, nil }))

	m.RunChecks(context.Background())
	snap := m.Snapshots()["outbox"]
	assert.Equal(t, StatusUnhealthy, snap.Status)
	assert.Contains(t, snap.LastError, "5 items queued")
	assert.Equal(t, StatusDegraded, m.OverallStatus())
}

func TestMonitorRecoversFromPanickingCheck(t *testing.T) {
	m := NewMonitor()
	m.Register(PingCheck("boom", func(ctx context.Context) error { panic("nil pool") }))

	require.NotPanics(t, func() { m.RunChecks(context.Background()) })
	assert.Equal(t, StatusUnhealthy, m.OverallStatus())
	assert.Contains(t, m.Snapshots()["boom"].LastError, "panic: nil pool")
}

func TestBreakerCheck(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:    "smtp_relay",
		Timeout: time.Hour,
		ReadyToTrip: func(c circuitbreaker.Counts) bool {
			return c.ConsecutiveFailures >= 1
		},
	})
	m := NewMonitor()
	m.Register(BreakerCheck("smtp_relay", cb))

	m.RunChecks(context.Background())
	assert.Equal(t, StatusHealthy, m.Snapshots()["circuit_breaker_smtp_relay"].Status)

	_, _ = cb.Execute(func() (any, error) { return nil, errors.New("dial failed") })
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	m.RunChecks(context.Background())
	assert.Equal(t, StatusUnhealthy, m.Snapshots()["circuit_breaker_smtp_relay"].Status)
	assert.Equal(t, StatusDegraded, m.OverallStatus())
}

func TestMonitorStartRunsImmediately(t *testing.T) {
	m := NewMonitor()
	done := make(chan struct{}, 1)
	m.Register(&Check{Name: "tick", Interval: time.Hour, Check: func(ctx context.Context) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("check did not run on start")
	}
}
