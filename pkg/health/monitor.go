// Package health tracks the state of the daemon's dependencies: the
// database, the SMTP relay and the notification outbox.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/roster/logger"
	"github.com/migadu/roster/pkg/circuitbreaker"
	"github.com/migadu/roster/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

// Check is one periodically evaluated dependency. Critical checks decide
// the overall status.
type Check struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// Snapshot is a point-in-time view of one check.
type Snapshot struct {
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"last_check"`
	LastError string          `json:"last_error,omitempty"`
}

type Monitor struct {
	mu      sync.RWMutex
	checks  map[string]*Check
	overall ComponentStatus
	cancel  context.CancelFunc
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks:  make(map[string]*Check),
		overall: StatusHealthy,
	}
}

func (m *Monitor) Register(check *Check) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	m.mu.Lock()
	m.checks[check.Name] = check
	m.mu.Unlock()
}

// Start runs every registered check on its own ticker until Stop or ctx
// is done. Each check runs once immediately.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, check := range m.checks {
		go m.loop(ctx, check)
	}
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) loop(ctx context.Context, check *Check) {
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Info("Health: monitoring component", "component", check.Name, "interval", check.Interval)
	m.perform(ctx, check)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.perform(ctx, check)
		}
	}
}

// RunChecks evaluates every check once, synchronously.
func (m *Monitor) RunChecks(ctx context.Context) {
	m.mu.RLock()
	checks := make([]*Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	for _, c := range checks {
		m.perform(ctx, c)
	}
}

func (m *Monitor) perform(ctx context.Context, check *Check) {
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	err := safeCheck(ctx, check)

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	first := check.checkCount == 1
	if err != nil {
		check.failCount++
		check.lastError = err
		// A single failure degrades; a majority of failures is unhealthy.
		if float64(check.failCount)/float64(check.checkCount) >= 0.5 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealthChecks.WithLabelValues(check.Name, string(current)).Inc()
	metrics.ComponentHealthStatus.WithLabelValues(check.Name).Set(statusValue(current))

	switch {
	case err != nil:
		logger.Warn("Health: check failed", "component", check.Name, "status", current, "error", err)
	case first:
		logger.Info("Health: check initialised", "component", check.Name, "status", current)
	case previous != current:
		logger.Info("Health: status changed", "component", check.Name, "from", previous, "to", current)
	}

	m.updateOverall()
}

func safeCheck(ctx context.Context, check *Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return check.Check(ctx)
}

func statusValue(s ComponentStatus) float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

func (m *Monitor) updateOverall() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var criticalDown, anyDegraded bool
	for _, check := range m.checks {
		check.mu.RLock()
		status, critical := check.status, check.Critical
		check.mu.RUnlock()

		switch status {
		case StatusUnhealthy, StatusUnreachable:
			if critical {
				criticalDown = true
			} else {
				anyDegraded = true
			}
		case StatusDegraded:
			anyDegraded = true
		}
	}

	previous := m.overall
	switch {
	case criticalDown:
		m.overall = StatusUnhealthy
	case anyDegraded:
		m.overall = StatusDegraded
	default:
		m.overall = StatusHealthy
	}
	if previous != m.overall {
		logger.Info("Health: overall status changed", "from", previous, "to", m.overall)
	}
}

func (m *Monitor) OverallStatus() ComponentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.overall
}

// Snapshots returns the current state of every check keyed by name.
func (m *Monitor) Snapshots() map[string]Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Snapshot, len(m.checks))
	for name, check := range m.checks {
		check.mu.RLock()
		s := Snapshot{Status: check.status, Critical: check.Critical, LastCheck: check.lastCheck}
		if check.lastError != nil {
			s.LastError = check.lastError.Error()
		}
		check.mu.RUnlock()
		out[name] = s
	}
	return out
}

// PingCheck reports the result of ping, typically a database round trip.
func PingCheck(name string, ping func(ctx context.Context) error) *Check {
	return &Check{
		Name:     name,
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Critical: true,
		Check:    ping,
	}
}

// BreakerCheck fails while the breaker is open.
func BreakerCheck(name string, breaker *circuitbreaker.CircuitBreaker) *Check {
	return &Check{
		Name:     fmt.Sprintf("circuit_breaker_%s", name),
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Check: func(ctx context.Context) error {
			if breaker.State() == circuitbreaker.StateOpen {
				counts := breaker.Counts()
				return fmt.Errorf("circuit breaker is open (requests: %d, failures: %d)",
					counts.Requests, counts.TotalFailures)
			}
			return nil
		},
	}
}

// BacklogCheck fails when pending reports more queued items than limit.
func BacklogCheck(name string, limit int, pending func(ctx context.Context) (int, error)) *Check {
	return &Check{
		Name:     name,
		Interval: time.Minute,
		Timeout:  5 * time.Second,
		Check: func(ctx context.Context) error {
			n, err := pending(ctx)
			if err != nil {
				return err
			}
			if n > limit {
				return fmt.Errorf("%d items queued (limit %d)", n, limit)
			}
			return nil
		},
	}
}
