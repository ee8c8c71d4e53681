package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressLinkAndVerify(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	var user *User
	var addr *Address
	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		if user, err = database.CreateUser(ctx, tx, "Anne Person"); err != nil {
			return err
		}
		if addr, err = database.CreateAddress(ctx, tx, "anne@example.com", "Anne"); err != nil {
			return err
		}
		again, err := database.CreateAddress(ctx, tx, "anne@example.com", "")
		if err != nil {
			return err
		}
		assert.Equal(t, addr.ID, again.ID)
		_, err = database.LinkUserToAddress(ctx, tx, user.ID, addr.ID)
		return err
	})

	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		other, err := database.CreateUser(ctx, tx, "")
		if err != nil {
			return err
		}
		_, err = database.LinkUserToAddress(ctx, tx, other.ID, addr.ID)
		assert.ErrorIs(t, err, consts.ErrAddressAlreadyLinked)
		return nil
	})

	first := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		verified, err := database.SetAddressVerified(ctx, tx, addr.ID, first)
		if err != nil {
			return err
		}
		again, err := database.SetAddressVerified(ctx, tx, addr.ID, time.Now())
		if err != nil {
			return err
		}
		assert.True(t, verified.VerifiedOn.Equal(first))
		assert.True(t, again.VerifiedOn.Equal(first), "verification is stamped once")
		return database.SetPreferredAddress(ctx, tx, user.ID, addr.ID)
	})

	addresses, err := database.ListUserAddresses(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, addresses, 1)
	assert.Equal(t, "anne@example.com", addresses[0].Email)

	got, err := database.GetUserByUUID(ctx, user.UUID)
	require.NoError(t, err)
	require.NotNil(t, got.PreferredAddressID)
	assert.Equal(t, addr.ID, *got.PreferredAddressID)
}

func TestInsertMemberUnique(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()
	list := createTestList(t, database, "ant@example.com", policy.Open)
	prefs := DeliveryPreferences{Mode: consts.DefaultDeliveryMode, Status: consts.DefaultDeliveryStatus}

	var addr *Address
	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		if addr, err = database.CreateAddress(ctx, tx, "anne@example.com", ""); err != nil {
			return err
		}
		m, err := database.InsertMember(ctx, tx, list.ID, addr.ID, consts.RoleMember, prefs)
		if err != nil {
			return err
		}
		assert.Equal(t, "anne@example.com", m.Email)
		_, err = database.InsertMember(ctx, tx, list.ID, addr.ID, consts.RoleMember, prefs)
		assert.ErrorIs(t, err, consts.ErrDBUniqueViolation)
		_, err = database.InsertMember(ctx, tx, list.ID, addr.ID, consts.RoleOwner, prefs)
		return err
	})

	members, err := database.ListMembers(ctx, list.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	_, err = database.GetMember(ctx, list.ID, addr.ID, consts.RoleModerator)
	assert.ErrorIs(t, err, consts.ErrMemberNotFound)
}
