package resilient

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// --- Cleanup Worker Wrappers ---

func (rd *ResilientDatabase) AcquireCleanupLockWithRetry(ctx context.Context) (bool, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return rd.database.AcquireCleanupLock(ctx, tx)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, cleanupRetryConfig, timeoutWrite, op)
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

func (rd *ResilientDatabase) ReleaseCleanupLockWithRetry(ctx context.Context) error {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return nil, rd.database.ReleaseCleanupLock(ctx, tx)
	}
	_, err := rd.executeWriteInTxWithRetry(ctx, cleanupRetryConfig, timeoutWrite, op)
	return err
}

func (rd *ResilientDatabase) SweepPendingRequestsWithRetry(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return rd.database.SweepPendingRequests(ctx, tx, staleBefore, now)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, cleanupRetryConfig, timeoutCleanup, op)
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}

func (rd *ResilientDatabase) PurgeExpiredTokensWithRetry(ctx context.Context, olderThan time.Time) (int64, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return rd.database.PurgeExpiredTokens(ctx, tx, olderThan)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, cleanupRetryConfig, timeoutCleanup, op)
	if err != nil {
		return 0, err
	}
	return result.(int64), nil
}
