package resilient

import (
	"context"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/db"
)

func (rd *ResilientDatabase) InsertPendingRequestWithRetry(ctx context.Context, req *db.PendingRequest, staleBefore time.Time) error {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return nil, rd.database.InsertPendingRequest(ctx, tx, req, staleBefore)
	}
	_, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	return err
}

type consumed struct {
	req     *db.PendingRequest
	expired bool
}

// ConsumePendingRequestWithRetry deletes and returns the row for token. An
// expired row is deleted and tombstoned, then reported as consts.ErrTokenExpired.
func (rd *ResilientDatabase) ConsumePendingRequestWithRetry(ctx context.Context, token string, staleBefore, now time.Time) (*db.PendingRequest, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		req, expired, err := rd.database.ConsumePendingRequest(ctx, tx, token, staleBefore, now)
		if err != nil {
			return nil, err
		}
		return consumed{req: req, expired: expired}, nil
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, consumeRetryConfig, timeoutWrite, op)
	if err != nil {
		return nil, err
	}
	c := result.(consumed)
	if c.expired {
		return nil, consts.ErrTokenExpired
	}
	return c.req, nil
}

// GetPendingRequestWithRetry reads from the write pool: a token is usually
// redeemed shortly after it is issued.
func (rd *ResilientDatabase) GetPendingRequestWithRetry(ctx context.Context, token string) (*db.PendingRequest, error) {
	ctx = context.WithValue(ctx, consts.UseMasterDBKey, true)
	op := func(ctx context.Context) (any, error) {
		return rd.database.GetPendingRequest(ctx, token)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.PendingRequest), nil
}

func (rd *ResilientDatabase) DeletePendingRequestWithRetry(ctx context.Context, token string) error {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return nil, rd.database.DeletePendingRequest(ctx, tx, token)
	}
	_, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	return err
}

// PendingRequestsOfType is not retried: a failure mid-iteration is yielded
// to the caller, who may range again.
func (rd *ResilientDatabase) PendingRequestsOfType(ctx context.Context, requestType consts.RequestType, listID int64, staleBefore time.Time) iter.Seq2[*db.PendingRequest, error] {
	return rd.database.PendingRequestsOfType(ctx, requestType, listID, staleBefore)
}
