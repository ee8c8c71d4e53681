package resilient

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/db"
)

func (rd *ResilientDatabase) AddBanWithRetry(ctx context.Context, listID *int64, pattern string) (*db.Ban, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return rd.database.AddBan(ctx, tx, listID, pattern)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.Ban), nil
}

func (rd *ResilientDatabase) RemoveBanWithRetry(ctx context.Context, listID *int64, pattern string) error {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return nil, rd.database.RemoveBan(ctx, tx, listID, pattern)
	}
	_, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	return err
}

func (rd *ResilientDatabase) ListBansWithRetry(ctx context.Context, listID *int64) ([]*db.Ban, error) {
	op := func(ctx context.Context) (any, error) {
		return rd.database.ListBans(ctx, listID)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.([]*db.Ban), nil
}

func (rd *ResilientDatabase) IsBannedWithRetry(ctx context.Context, listID int64, email string) (bool, error) {
	op := func(ctx context.Context) (any, error) {
		return rd.database.IsBanned(ctx, listID, email)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}
