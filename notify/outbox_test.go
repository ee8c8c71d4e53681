package notify

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestOutbox(t *testing.T, clock *testClock) *Outbox {
	t.Helper()
	o, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"), clock.Now)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func TestDedupKey(t *testing.T) {
	a := DedupKey("subscription.verify", "anne@example.com", map[string]string{"token": "x", "list_name": "ant"})
	b := DedupKey("subscription.verify", "ANNE@example.com", map[string]string{"list_name": "ant", "token": "x"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, DedupKey("subscription.confirm", "anne@example.com", map[string]string{"token": "x", "list_name": "ant"}))
	assert.NotEqual(t, a, DedupKey("subscription.verify", "anne@example.com", map[string]string{"token": "y", "list_name": "ant"}))
	assert.NotEqual(t,
		DedupKey("t", "r", map[string]string{"a": "b=c"}),
		DedupKey("t", "r", map[string]string{"a=b": "c"}))
	assert.NotEqual(t,
		DedupKey("subscription.rejected", "anne@example.com", map[string]string{"reason": "spam\x00role=member", "list_name": "ant"}),
		DedupKey("subscription.rejected", "anne@example.com", map[string]string{"reason": "spam", "role": "member", "list_name": "ant"}))
	assert.NotEqual(t,
		DedupKey("ab", "c", nil),
		DedupKey("a", "bc", nil))
}

func TestOutboxEnqueueDeduplicates(t *testing.T) {
	ctx := context.Background()
	o := openTestOutbox(t, newTestClock())

	id, queued, err := o.Enqueue(ctx, "k1", "subscription.verify", "from@example.com", "anne@example.com", []byte("msg"))
	require.NoError(t, err)
	assert.True(t, queued)
	assert.NotEmpty(t, id)

	_, queued, err = o.Enqueue(ctx, "k1", "subscription.verify", "from@example.com", "anne@example.com", []byte("msg"))
	require.NoError(t, err)
	assert.False(t, queued)

	st, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
}

func TestOutboxAcquireClaimsOldestFirst(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	o := openTestOutbox(t, clock)

	first, _, err := o.Enqueue(ctx, "k1", "t", "f", "a@example.com", []byte("1"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, _, err := o.Enqueue(ctx, "k2", "t", "f", "b@example.com", []byte("2"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, _, err = o.Enqueue(ctx, "k3", "t", "f", "c@example.com", []byte("3"))
	require.NoError(t, err)

	got, err := o.AcquireNext(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0].ID)
	assert.Equal(t, second, got[1].ID)
	assert.Equal(t, []byte("1"), got[0].Message)

	st, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Processing)
	assert.Equal(t, 1, st.Pending)

	rest, err := o.AcquireNext(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	none, err := o.AcquireNext(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOutboxMarkFailureBacksOff(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	o := openTestOutbox(t, clock)
	backoff := []time.Duration{time.Minute, 5 * time.Minute}

	id, _, err := o.Enqueue(ctx, "k1", "t", "f", "a@example.com", []byte("1"))
	require.NoError(t, err)

	got, err := o.AcquireNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	gaveUp, err := o.MarkFailure(ctx, id, "421 try later", 3, backoff)
	require.NoError(t, err)
	assert.False(t, gaveUp)

	got, err = o.AcquireNext(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got, "not due before the first backoff elapses")

	clock.Advance(time.Minute)
	got, err = o.AcquireNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Attempts)

	_, err = o.MarkFailure(ctx, id, "421 try later", 3, backoff)
	require.NoError(t, err)
	clock.Advance(4 * time.Minute)
	got, err = o.AcquireNext(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
	clock.Advance(time.Minute)
	got, err = o.AcquireNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	gaveUp, err = o.MarkFailure(ctx, id, "421 still down", 3, backoff)
	require.NoError(t, err)
	assert.True(t, gaveUp)

	status, reason, err := o.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, "421 still down", reason)
}

func TestOutboxReleaseAndPermanentFailure(t *testing.T) {
	ctx := context.Background()
	o := openTestOutbox(t, newTestClock())

	id, _, err := o.Enqueue(ctx, "k1", "t", "f", "a@example.com", []byte("1"))
	require.NoError(t, err)
	_, err = o.AcquireNext(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, o.Release(ctx, id))
	got, err := o.AcquireNext(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Attempts)

	require.NoError(t, o.MarkPermanentFailure(ctx, id, "550 no such user"))
	status, _, err := o.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	assert.Error(t, o.Release(ctx, "missing"))
}

func TestOutboxPurgeDelivered(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	o := openTestOutbox(t, clock)

	done, _, err := o.Enqueue(ctx, "k1", "t", "f", "a@example.com", []byte("1"))
	require.NoError(t, err)
	_, _, err = o.Enqueue(ctx, "k2", "t", "f", "b@example.com", []byte("2"))
	require.NoError(t, err)
	_, err = o.AcquireNext(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, o.MarkSuccess(ctx, done))

	clock.Advance(8 * 24 * time.Hour)
	n, err := o.PurgeDelivered(ctx, clock.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutboxStats{Pending: 1}, st)

	// The dedup key of a purged notice can be used again.
	_, queued, err := o.Enqueue(ctx, "k1", "t", "f", "a@example.com", []byte("1"))
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestOpenOutboxRecoversProcessingRows(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	path := filepath.Join(t.TempDir(), "outbox.db")

	o, err := OpenOutbox(path, clock.Now)
	require.NoError(t, err)
	_, _, err = o.Enqueue(ctx, "k1", "t", "f", "a@example.com", []byte("1"))
	require.NoError(t, err)
	_, err = o.AcquireNext(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, o.Close())

	o, err = OpenOutbox(path, clock.Now)
	require.NoError(t, err)
	defer o.Close()

	st, err := o.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutboxStats{Pending: 1}, st)
}

func TestOpenOutboxRequiresPath(t *testing.T) {
	_, err := OpenOutbox("  ", nil)
	assert.Error(t, err)
}
