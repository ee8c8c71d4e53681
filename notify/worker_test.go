package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/roster/pkg/circuitbreaker"
	"github.com/migadu/roster/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRelay struct {
	mu    sync.Mutex
	sent  []string
	errs  []error
	calls int
}

func (m *mockRelay) Send(_ context.Context, from, to string, message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return err
		}
	}
	m.sent = append(m.sent, to)
	return nil
}

func (m *mockRelay) delivered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func enqueue(t *testing.T, o *Outbox, key, to string) string {
	t.Helper()
	id, queued, err := o.Enqueue(context.Background(), key, "subscription.welcome", "ant-bounces@example.com", to, []byte("msg"))
	require.NoError(t, err)
	require.True(t, queued)
	return id
}

func TestWorkerDeliversBatch(t *testing.T) {
	ctx := context.Background()
	o := openTestOutbox(t, newTestClock())
	relay := &mockRelay{}
	w := NewWorker(o, relay, WorkerOptions{BatchSize: 10, Concurrency: 2})

	a := enqueue(t, o, "k1", "anne@example.com")
	enqueue(t, o, "k2", "bart@example.com")

	before := testutil.ToFloat64(metrics.NotificationDeliveries.WithLabelValues("success"))
	n, err := w.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"anne@example.com", "bart@example.com"}, relay.delivered())
	assert.Equal(t, before+2, testutil.ToFloat64(metrics.NotificationDeliveries.WithLabelValues("success")))

	status, _, err := o.Status(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, status)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.OutboxPending))
}

func TestWorkerRetriesTemporaryFailure(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	o := openTestOutbox(t, clock)
	relay := &mockRelay{errs: []error{&RelayError{Err: errors.New("connection refused")}}}
	w := NewWorker(o, relay, WorkerOptions{MaxAttempts: 3, Backoff: []time.Duration{time.Minute}})

	id := enqueue(t, o, "k1", "anne@example.com")

	_, err := w.ProcessOutbox(ctx)
	require.NoError(t, err)
	status, reason, err := o.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	assert.Contains(t, reason, "connection refused")

	n, err := w.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "backoff not elapsed")

	clock.Advance(time.Minute)
	n, err = w.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"anne@example.com"}, relay.delivered())
}

func TestWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	o := openTestOutbox(t, clock)
	temp := &RelayError{Err: errors.New("timeout")}
	relay := &mockRelay{errs: []error{temp, temp}}
	w := NewWorker(o, relay, WorkerOptions{MaxAttempts: 2, Backoff: []time.Duration{time.Second}})

	id := enqueue(t, o, "k1", "anne@example.com")
	_, err := w.ProcessOutbox(ctx)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = w.ProcessOutbox(ctx)
	require.NoError(t, err)

	status, _, err := o.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, 2, relay.calls)
}

func TestWorkerPermanentFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	o := openTestOutbox(t, newTestClock())
	relay := &mockRelay{errs: []error{&smtp.SMTPError{Code: 550, Message: "no such user"}}}
	w := NewWorker(o, relay, WorkerOptions{})

	id := enqueue(t, o, "k1", "nobody@example.com")
	_, err := w.ProcessOutbox(ctx)
	require.NoError(t, err)

	status, reason, err := o.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Contains(t, reason, "no such user")
}

func TestWorkerReleasesWhenBreakerOpen(t *testing.T) {
	ctx := context.Background()
	o := openTestOutbox(t, newTestClock())
	relay := &mockRelay{errs: []error{circuitbreaker.ErrCircuitBreakerOpen}}
	w := NewWorker(o, relay, WorkerOptions{})

	id := enqueue(t, o, "k1", "anne@example.com")
	_, err := w.ProcessOutbox(ctx)
	require.NoError(t, err)

	got, err := o.AcquireNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, 0, got[0].Attempts)
}

func TestWorkerStartStop(t *testing.T) {
	o := openTestOutbox(t, newTestClock())
	relay := &mockRelay{}
	w := NewWorker(o, relay, WorkerOptions{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.Start(ctx)

	enqueue(t, o, "k1", "anne@example.com")
	w.Notify()

	require.Eventually(t, func() bool {
		return len(relay.delivered()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop()
}
