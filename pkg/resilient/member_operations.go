package resilient

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/db"
)

func (rd *ResilientDatabase) InsertMemberWithRetry(ctx context.Context, listID, addressID int64, role consts.Role, prefs db.DeliveryPreferences) (*db.Member, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return rd.database.InsertMember(ctx, tx, listID, addressID, role, prefs)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.Member), nil
}

// GetMemberWithRetry reads from the write pool so a membership committed a
// moment ago by another request is visible.
func (rd *ResilientDatabase) GetMemberWithRetry(ctx context.Context, listID, addressID int64, role consts.Role) (*db.Member, error) {
	ctx = context.WithValue(ctx, consts.UseMasterDBKey, true)
	op := func(ctx context.Context) (any, error) {
		return rd.database.GetMember(ctx, listID, addressID, role)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.Member), nil
}

func (rd *ResilientDatabase) ListMembersWithRetry(ctx context.Context, listID int64) ([]*db.Member, error) {
	op := func(ctx context.Context) (any, error) {
		return rd.database.ListMembers(ctx, listID)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.([]*db.Member), nil
}
