package notify

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/migadu/roster/config"
	"github.com/migadu/roster/pkg/metrics"
	"github.com/migadu/roster/workflow"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ workflow.Notifier = (*Dispatcher)(nil)

func TestDispatcherQueuesOnce(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	o := openTestOutbox(t, clock)

	woken := 0
	d, err := NewDispatcher(o, "Ant list <ant-bounces@example.com>", func() { woken++ }, clock.Now)
	require.NoError(t, err)

	queued := testutil.ToFloat64(metrics.NotificationsQueued.WithLabelValues(workflow.TemplateConfirm, "queued"))
	dup := testutil.ToFloat64(metrics.NotificationsQueued.WithLabelValues(workflow.TemplateConfirm, "duplicate"))

	require.NoError(t, d.Send(ctx, workflow.TemplateConfirm, "anne@example.com", baseSubs()))
	require.NoError(t, d.Send(ctx, workflow.TemplateConfirm, "anne@example.com", baseSubs()))

	assert.Equal(t, 1, woken)
	assert.Equal(t, queued+1, testutil.ToFloat64(metrics.NotificationsQueued.WithLabelValues(workflow.TemplateConfirm, "queued")))
	assert.Equal(t, dup+1, testutil.ToFloat64(metrics.NotificationsQueued.WithLabelValues(workflow.TemplateConfirm, "duplicate")))

	got, err := o.AcquireNext(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ant-bounces@example.com", got[0].From)
	assert.Equal(t, "anne@example.com", got[0].To)
	assert.Equal(t, workflow.TemplateConfirm, got[0].Template)
	assert.Contains(t, string(got[0].Message), "Confirm your subscription to Ant")
}

func TestDispatcherRejectsUnknownTemplate(t *testing.T) {
	o := openTestOutbox(t, newTestClock())
	d, err := NewDispatcher(o, "ant-bounces@example.com", nil, nil)
	require.NoError(t, err)

	err = d.Send(context.Background(), "subscription.bogus", "anne@example.com", nil)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestNewDispatcherRejectsBadSender(t *testing.T) {
	o := openTestOutbox(t, newTestClock())
	_, err := NewDispatcher(o, "not an address", nil, nil)
	assert.Error(t, err)
}

func TestNewServiceWithoutRelayLogsOnly(t *testing.T) {
	cfg := config.NotifyConfig{
		OutboxPath: filepath.Join(t.TempDir(), "spool", "outbox.db"),
		From:       "roster-bounces@example.com",
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	defer svc.Close()
	assert.Nil(t, svc.Relay)

	ctx := context.Background()
	require.NoError(t, svc.Dispatcher.Send(ctx, workflow.TemplateWelcome, "anne@example.com", baseSubs()))

	n, err := svc.Worker.ProcessOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := svc.Outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Delivered)
}
