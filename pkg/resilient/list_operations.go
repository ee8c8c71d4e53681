package resilient

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/db"
	"github.com/migadu/roster/policy"
)

func (rd *ResilientDatabase) CreateListWithRetry(ctx context.Context, name, displayName, ownerAddress string, p policy.Policy) (*db.MailingList, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return rd.database.CreateList(ctx, tx, name, displayName, ownerAddress, p)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.MailingList), nil
}

func (rd *ResilientDatabase) GetListByNameWithRetry(ctx context.Context, name string) (*db.MailingList, error) {
	op := func(ctx context.Context) (any, error) {
		return rd.database.GetListByName(ctx, name)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.MailingList), nil
}

func (rd *ResilientDatabase) GetListByIDWithRetry(ctx context.Context, id int64) (*db.MailingList, error) {
	op := func(ctx context.Context) (any, error) {
		return rd.database.GetListByID(ctx, id)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.MailingList), nil
}

func (rd *ResilientDatabase) ListMailingListsWithRetry(ctx context.Context) ([]*db.MailingList, error) {
	op := func(ctx context.Context) (any, error) {
		return rd.database.ListMailingLists(ctx)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.([]*db.MailingList), nil
}

func (rd *ResilientDatabase) SetListPolicyWithRetry(ctx context.Context, name string, p policy.Policy) error {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return nil, rd.database.SetListPolicy(ctx, tx, name, p)
	}
	_, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	return err
}

func (rd *ResilientDatabase) DeleteListWithRetry(ctx context.Context, name string) error {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return nil, rd.database.DeleteList(ctx, tx, name)
	}
	_, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	return err
}
