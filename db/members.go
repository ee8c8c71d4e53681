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

const memberSelect = `
	SELECT m.id, m.member_uuid, m.list_id, m.address_id, a.email, m.role,
	       m.delivery_mode, m.delivery_status, m.created_at
	FROM members m
	JOIN addresses a ON a.id = m.address_id`

func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	var role, mode, status string
	if err := row.Scan(&m.ID, &m.UUID, &m.ListID, &m.AddressID, &m.Email, &role, &mode, &status, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = consts.Role(role)
	m.Delivery = DeliveryPreferences{
		Mode:   consts.DeliveryMode(mode),
		Status: consts.DeliveryStatus(status),
	}
	return &m, nil
}

// InsertMember creates a membership. An existing (list, address, role) row
// yields consts.ErrDBUniqueViolation and leaves the table unchanged.
func (db *Database) InsertMember(ctx context.Context, tx pgx.Tx, listID, addressID int64, role consts.Role, prefs DeliveryPreferences) (*Member, error) {
	row := tx.QueryRow(ctx, `
		WITH inserted AS (
			INSERT INTO members (member_uuid, list_id, address_id, role, delivery_mode, delivery_status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (list_id, address_id, role) DO NOTHING
			RETURNING id, member_uuid, list_id, address_id, role, delivery_mode, delivery_status, created_at
		)
		SELECT i.id, i.member_uuid, i.list_id, i.address_id, a.email, i.role,
		       i.delivery_mode, i.delivery_status, i.created_at
		FROM inserted i
		JOIN addresses a ON a.id = i.address_id`,
		uuid.New(), listID, addressID, string(role), string(prefs.Mode), string(prefs.Status), time.Now().UTC())
	member, err := scanMember(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrDBUniqueViolation
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert member: %w", err)
	}
	return member, nil
}

func (db *Database) GetMember(ctx context.Context, listID, addressID int64, role consts.Role) (*Member, error) {
	row := db.timedQueryRow(ctx, "member_get",
		memberSelect+` WHERE m.list_id = $1 AND m.address_id = $2 AND m.role = $3`,
		listID, addressID, string(role))
	member, err := scanMember(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return member, nil
}

// GetMemberTx reads a membership through tx so it sees rows the transaction
// has not committed yet.
func (db *Database) GetMemberTx(ctx context.Context, tx pgx.Tx, listID, addressID int64, role consts.Role) (*Member, error) {
	row := tx.QueryRow(ctx,
		memberSelect+` WHERE m.list_id = $1 AND m.address_id = $2 AND m.role = $3`,
		listID, addressID, string(role))
	member, err := scanMember(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return member, nil
}

// ListMembers returns every membership of a list ordered by address.
func (db *Database) ListMembers(ctx context.Context, listID int64) ([]*Member, error) {
	rows, err := db.timedQuery(ctx, "member_list",
		memberSelect+` WHERE m.list_id = $1 ORDER BY a.email, m.role`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
