package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/consts"
)

const userColumns = `id, user_uuid, display_name, preferred_address_id, created_at`
const addressColumns = `id, email, display_name, verified_on, user_id, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.UUID, &u.DisplayName, &u.PreferredAddressID, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanAddress(row pgx.Row) (*Address, error) {
	var a Address
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.VerifiedOn, &a.UserID, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateUser inserts a user with a fresh UUID.
func (db *Database) CreateUser(ctx context.Context, tx pgx.Tx, displayName string) (*User, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO users (user_uuid, display_name, created_at)
		VALUES ($1, $2, $3)
		RETURNING `+userColumns,
		uuid.New(), displayName, time.Now().UTC())
	user, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (db *Database) GetUserByUUID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := db.timedQueryRow(ctx, "user_get_by_uuid",
		`SELECT `+userColumns+` FROM users WHERE user_uuid = $1`, id)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return user, nil
}

func (db *Database) GetUserByID(ctx context.Context, id int64) (*User, error) {
	row := db.timedQueryRow(ctx, "user_get_by_id",
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return user, nil
}

// ListUserAddresses returns the user's addresses, verified ones first, each
// group in creation order.
func (db *Database) ListUserAddresses(ctx context.Context, userID int64) ([]*Address, error) {
	rows, err := db.timedQuery(ctx, "user_list_addresses", `
		SELECT `+addressColumns+`
		FROM addresses
		WHERE user_id = $1
		ORDER BY (verified_on IS NULL), id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses for user %d: %w", userID, err)
	}
	defer rows.Close()

	var addresses []*Address
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addresses = append(addresses, a)
	}
	return addresses, rows.Err()
}

// CreateAddress returns the address row for email, inserting it if absent.
// The email must already be normalized.
func (db *Database) CreateAddress(ctx context.Context, tx pgx.Tx, email, displayName string) (*Address, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO addresses (email, display_name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING `+addressColumns,
		email, displayName, time.Now().UTC())
	address, err := scanAddress(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create address %s: %w", email, err)
	}
	return address, nil
}

func (db *Database) GetAddressByEmail(ctx context.Context, email string) (*Address, error) {
	row := db.timedQueryRow(ctx, "address_get_by_email",
		`SELECT `+addressColumns+` FROM addresses WHERE email = $1`, email)
	address, err := scanAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address %s: %w", email, err)
	}
	return address, nil
}

func (db *Database) GetAddressByID(ctx context.Context, id int64) (*Address, error) {
	row := db.timedQueryRow(ctx, "address_get_by_id",
		`SELECT `+addressColumns+` FROM addresses WHERE id = $1`, id)
	address, err := scanAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address %d: %w", id, err)
	}
	return address, nil
}

// LinkUserToAddress attaches an unlinked address to a user. Linking an
// address already owned by that user is a no-op.
func (db *Database) LinkUserToAddress(ctx context.Context, tx pgx.Tx, userID, addressID int64) (*Address, error) {
	row := tx.QueryRow(ctx, `
		UPDATE addresses SET user_id = $1
		WHERE id = $2 AND (user_id IS NULL OR user_id = $1)
		RETURNING `+addressColumns, userID, addressID)
	address, err := scanAddress(row)
	if err == nil {
		return address, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to link address %d to user %d: %w", addressID, userID, err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM addresses WHERE id = $1)`, addressID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check address %d: %w", addressID, err)
	}
	if !exists {
		return nil, consts.ErrAddressNotFound
	}
	return nil, consts.ErrAddressAlreadyLinked
}

// SetPreferredAddress records which of the user's addresses is preferred.
func (db *Database) SetPreferredAddress(ctx context.Context, tx pgx.Tx, userID, addressID int64) error {
	tag, err := timedExec(ctx, tx, "user_set_preferred_address", `
		UPDATE users SET preferred_address_id = $2
		WHERE id = $1
		  AND EXISTS (SELECT 1 FROM addresses WHERE id = $2 AND user_id = $1)`,
		userID, addressID)
	if err != nil {
		return fmt.Errorf("failed to set preferred address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrAddressNotFound
	}
	return nil
}

// SetAddressVerified stamps verified_on unless the address is already
// verified, and returns the resulting row.
func (db *Database) SetAddressVerified(ctx context.Context, tx pgx.Tx, addressID int64, when time.Time) (*Address, error) {
	row := tx.QueryRow(ctx, `
		UPDATE addresses SET verified_on = COALESCE(verified_on, $2)
		WHERE id = $1
		RETURNING `+addressColumns, addressID, when.UTC())
	address, err := scanAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to verify address %d: %w", addressID, err)
	}
	return address, nil
}
