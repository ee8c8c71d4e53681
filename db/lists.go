package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/policy"
)

const listColumns = `id, fqdn_listname, display_name, owner_address, subscription_policy, created_at`

// ErrListExists is returned when creating a list whose name is taken.
var ErrListExists = errors.New("mailing list already exists")

func scanList(row pgx.Row) (*MailingList, error) {
	var l MailingList
	var p string
	if err := row.Scan(&l.ID, &l.Name, &l.DisplayName, &l.OwnerAddress, &p, &l.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := policy.Parse(p)
	if err != nil {
		return nil, err
	}
	l.Policy = parsed
	return &l, nil
}

func (db *Database) CreateList(ctx context.Context, tx pgx.Tx, name, displayName, ownerAddress string, p policy.Policy) (*MailingList, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO mailing_lists (fqdn_listname, display_name, owner_address, subscription_policy, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+listColumns,
		name, displayName, ownerAddress, string(p), time.Now().UTC())
	list, err := scanList(row)
	if isUniqueViolation(err, "") {
		return nil, ErrListExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create list %s: %w", name, err)
	}
	return list, nil
}

func (db *Database) GetListByName(ctx context.Context, name string) (*MailingList, error) {
	row := db.timedQueryRow(ctx, "list_get_by_name",
		`SELECT `+listColumns+` FROM mailing_lists WHERE fqdn_listname = $1`, name)
	list, err := scanList(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrListNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get list %s: %w", name, err)
	}
	return list, nil
}

func (db *Database) GetListByID(ctx context.Context, id int64) (*MailingList, error) {
	row := db.timedQueryRow(ctx, "list_get_by_id",
		`SELECT `+listColumns+` FROM mailing_lists WHERE id = $1`, id)
	list, err := scanList(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrListNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get list %d: %w", id, err)
	}
	return list, nil
}

func (db *Database) ListMailingLists(ctx context.Context) ([]*MailingList, error) {
	rows, err := db.timedQuery(ctx, "list_all",
		`SELECT `+listColumns+` FROM mailing_lists ORDER BY fqdn_listname`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailing lists: %w", err)
	}
	defer rows.Close()

	var lists []*MailingList
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mailing list: %w", err)
		}
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

func (db *Database) SetListPolicy(ctx context.Context, tx pgx.Tx, name string, p policy.Policy) error {
	tag, err := timedExec(ctx, tx, "list_set_policy",
		`UPDATE mailing_lists SET subscription_policy = $2 WHERE fqdn_listname = $1`, name, string(p))
	if err != nil {
		return fmt.Errorf("failed to set policy on %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrListNotFound
	}
	return nil
}

// DeleteList removes a list. Its members, pending requests and list-scoped
// bans go with it; global bans are untouched.
func (db *Database) DeleteList(ctx context.Context, tx pgx.Tx, name string) error {
	tag, err := timedExec(ctx, tx, "list_delete",
		`DELETE FROM mailing_lists WHERE fqdn_listname = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete list %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrListNotFound
	}
	return nil
}
