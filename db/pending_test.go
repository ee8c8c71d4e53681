package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(token string, listID int64, key string, created time.Time) *PendingRequest {
	return &PendingRequest{
		Token:         token,
		RequestType:   consts.RequestSubscription,
		ListID:        listID,
		SubscriberKey: key,
		Awaiting:      consts.AwaitingSubscriber,
		State:         []byte{0xa0},
		CreatedAt:     created,
	}
}

func TestPendingRequestLifecycle(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()
	list := createTestList(t, database, "ant@example.com", policy.Confirm)
	now := time.Now().UTC().Truncate(time.Microsecond)
	staleBefore := now.Add(-time.Hour)

	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		return database.InsertPendingRequest(ctx, tx, newPending("tok1", list.ID, "anne@example.com", now), staleBefore)
	})

	peeked, err := database.GetPendingRequest(ctx, "tok1")
	require.NoError(t, err)
	assert.Equal(t, consts.AwaitingSubscriber, peeked.Awaiting)
	assert.Equal(t, []byte{0xa0}, peeked.State)

	tx, err := database.BeginTx(ctx)
	require.NoError(t, err)
	err = database.InsertPendingRequest(ctx, tx, newPending("tok2", list.ID, "anne@example.com", now), staleBefore)
	assert.ErrorIs(t, err, consts.ErrDuplicateRequest)
	require.NoError(t, tx.Rollback(ctx))

	var consumed *PendingRequest
	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		var expired bool
		consumed, expired, err = database.ConsumePendingRequest(ctx, tx, "tok1", staleBefore, now)
		assert.False(t, expired)
		return err
	})
	assert.Equal(t, "anne@example.com", consumed.SubscriberKey)

	tx, err = database.BeginTx(ctx)
	require.NoError(t, err)
	_, _, err = database.ConsumePendingRequest(ctx, tx, "tok1", staleBefore, now)
	assert.ErrorIs(t, err, consts.ErrTokenNotFound)
	require.NoError(t, tx.Rollback(ctx))
}

func TestPendingRequestSweepTombstones(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()
	list := createTestList(t, database, "ant@example.com", policy.Confirm)
	now := time.Now().UTC()
	old := now.Add(-4 * 24 * time.Hour)
	staleBefore := now.Add(-3 * 24 * time.Hour)

	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		if err := database.InsertPendingRequest(ctx, tx, newPending("old", list.ID, "anne@example.com", old), old.Add(-time.Hour)); err != nil {
			return err
		}
		return database.InsertPendingRequest(ctx, tx, newPending("new", list.ID, "bart@example.com", now), staleBefore)
	})

	var swept int64
	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		swept, err = database.SweepPendingRequests(ctx, tx, staleBefore, now)
		return err
	})
	assert.Equal(t, int64(1), swept)

	_, err := database.GetPendingRequest(ctx, "old")
	assert.ErrorIs(t, err, consts.ErrTokenExpired)
	_, err = database.GetPendingRequest(ctx, "new")
	assert.NoError(t, err)

	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		n, err := database.PurgeExpiredTokens(ctx, tx, now.Add(time.Minute))
		assert.Equal(t, int64(1), n)
		return err
	})
	_, err = database.GetPendingRequest(ctx, "old")
	assert.ErrorIs(t, err, consts.ErrTokenNotFound)
}

func TestPendingRequestStaleDuplicateIsReplaced(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()
	list := createTestList(t, database, "ant@example.com", policy.Confirm)
	now := time.Now().UTC()
	staleBefore := now.Add(-time.Hour)

	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		return database.InsertPendingRequest(ctx, tx, newPending("first", list.ID, "anne@example.com", now.Add(-2*time.Hour)), now.Add(-3*time.Hour))
	})
	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		return database.InsertPendingRequest(ctx, tx, newPending("second", list.ID, "anne@example.com", now), staleBefore)
	})

	_, err := database.GetPendingRequest(ctx, "first")
	assert.ErrorIs(t, err, consts.ErrTokenExpired)
	_, err = database.GetPendingRequest(ctx, "second")
	assert.NoError(t, err)
}

func TestPendingRequestConcurrentConsume(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()
	list := createTestList(t, database, "ant@example.com", policy.Confirm)
	now := time.Now().UTC()

	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		return database.InsertPendingRequest(ctx, tx, newPending("race", list.ID, "anne@example.com", now), now.Add(-time.Hour))
	})

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := database.BeginTx(ctx)
			if err != nil {
				return
			}
			defer tx.Rollback(ctx)
			if _, _, err := database.ConsumePendingRequest(ctx, tx, "race", now.Add(-time.Hour), now); err != nil {
				return
			}
			if tx.Commit(ctx) == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestPendingRequestsOfType(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()
	list := createTestList(t, database, "ant@example.com", policy.Moderate)
	now := time.Now().UTC()
	staleBefore := now.Add(-time.Hour)

	count := func() int {
		n := 0
		for req, err := range database.PendingRequestsOfType(ctx, consts.RequestSubscription, list.ID, staleBefore) {
			require.NoError(t, err)
			require.NotNil(t, req)
			n++
		}
		return n
	}
	assert.Equal(t, 0, count())

	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		if err := database.InsertPendingRequest(ctx, tx, newPending("a", list.ID, "anne@example.com", now.Add(-time.Minute)), staleBefore); err != nil {
			return err
		}
		return database.InsertPendingRequest(ctx, tx, newPending("b", list.ID, "bart@example.com", now), staleBefore)
	})

	var keys []string
	for req, err := range database.PendingRequestsOfType(ctx, consts.RequestSubscription, 0, staleBefore) {
		require.NoError(t, err)
		keys = append(keys, req.SubscriberKey)
	}
	assert.Equal(t, []string{"anne@example.com", "bart@example.com"}, keys)
	assert.Equal(t, 2, count(), "re-iterating re-queries")
}

func TestConsumedRequestReinsertKeepsTokenAndCreation(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()
	list := createTestList(t, database, "ant@example.com", policy.Confirm)
	now := time.Now().UTC().Truncate(time.Microsecond)
	created := now.Add(-2 * time.Hour)
	staleBefore := now.Add(-24 * time.Hour)

	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		return database.InsertPendingRequest(ctx, tx, newPending("tok1", list.ID, "anne@example.com", created), staleBefore)
	})

	var consumed *PendingRequest
	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		consumed, _, err = database.ConsumePendingRequest(ctx, tx, "tok1", staleBefore, now)
		return err
	})
	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		return database.InsertPendingRequest(ctx, tx, consumed, staleBefore)
	})

	got, err := database.GetPendingRequest(ctx, "tok1")
	require.NoError(t, err)
	assert.True(t, created.Equal(got.CreatedAt), "creation time must survive the round trip")
	assert.Equal(t, "anne@example.com", got.SubscriberKey)
}
