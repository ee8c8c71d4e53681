package resilient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/db"
)

func (rd *ResilientDatabase) GetUserByUUIDWithRetry(ctx context.Context, id uuid.UUID) (*db.User, error) {
	op := func(ctx context.Context) (any, error) {
		return rd.database.GetUserByUUID(ctx, id)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.User), nil
}

func (rd *ResilientDatabase) CreateUserWithRetry(ctx context.Context, displayName string) (*db.User, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return rd.database.CreateUser(ctx, tx, displayName)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.User), nil
}

func (rd *ResilientDatabase) ListUserAddressesWithRetry(ctx context.Context, userID int64) ([]*db.Address, error) {
	op := func(ctx context.Context) (any, error) {
		return rd.database.ListUserAddresses(ctx, userID)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.([]*db.Address), nil
}

func (rd *ResilientDatabase) CreateAddressWithRetry(ctx context.Context, email, displayName string) (*db.Address, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return rd.database.CreateAddress(ctx, tx, email, displayName)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.Address), nil
}

func (rd *ResilientDatabase) GetAddressByIDWithRetry(ctx context.Context, id int64) (*db.Address, error) {
	op := func(ctx context.Context) (any, error) {
		return rd.database.GetAddressByID(ctx, id)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.Address), nil
}

func (rd *ResilientDatabase) GetAddressByEmailWithRetry(ctx context.Context, email string) (*db.Address, error) {
	op := func(ctx context.Context) (any, error) {
		return rd.database.GetAddressByEmail(ctx, email)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.Address), nil
}

func (rd *ResilientDatabase) SetPreferredAddressWithRetry(ctx context.Context, userID, addressID int64) error {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return nil, rd.database.SetPreferredAddress(ctx, tx, userID, addressID)
	}
	_, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	return err
}

func (rd *ResilientDatabase) SetAddressVerifiedWithRetry(ctx context.Context, addressID int64, when time.Time) (*db.Address, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return rd.database.SetAddressVerified(ctx, tx, addressID, when)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.Address), nil
}

// LinkAddressToUserWithRetry attaches an address to an existing user.
func (rd *ResilientDatabase) LinkAddressToUserWithRetry(ctx context.Context, userID, addressID int64) (*db.Address, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		return rd.database.LinkUserToAddress(ctx, tx, userID, addressID)
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.Address), nil
}

// PromoteAddressWithRetry returns the user owning the address, creating and
// linking a new one in the same transaction when the address is bare.
func (rd *ResilientDatabase) PromoteAddressWithRetry(ctx context.Context, addressID int64, displayName string) (*db.User, error) {
	op := func(ctx context.Context, tx pgx.Tx) (any, error) {
		user, err := rd.database.CreateUser(ctx, tx, displayName)
		if err != nil {
			return nil, err
		}
		// An address that already has an owner rolls the new user back.
		if _, err := rd.database.LinkUserToAddress(ctx, tx, user.ID, addressID); err != nil {
			return nil, err
		}
		if err := rd.database.SetPreferredAddress(ctx, tx, user.ID, addressID); err != nil {
			return nil, err
		}
		preferred := addressID
		user.PreferredAddressID = &preferred
		return user, nil
	}
	result, err := rd.executeWriteInTxWithRetry(ctx, writeRetryConfig, timeoutWrite, op)
	if errors.Is(err, consts.ErrAddressAlreadyLinked) {
		return rd.ownerOfAddress(ctx, addressID)
	}
	if err != nil {
		return nil, err
	}
	return result.(*db.User), nil
}

func (rd *ResilientDatabase) ownerOfAddress(ctx context.Context, addressID int64) (*db.User, error) {
	ctx = context.WithValue(ctx, consts.UseMasterDBKey, true)
	op := func(ctx context.Context) (any, error) {
		address, err := rd.database.GetAddressByID(ctx, addressID)
		if err != nil {
			return nil, err
		}
		if address.UserID == nil {
			return nil, consts.ErrUserNotFound
		}
		return rd.database.GetUserByID(ctx, *address.UserID)
	}
	result, err := rd.executeReadWithRetry(ctx, readRetryConfig, timeoutRead, op)
	if err != nil {
		return nil, err
	}
	return result.(*db.User), nil
}
