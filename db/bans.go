package db

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/logger"
)

var (
	ErrBanExists   = errors.New("ban already exists")
	ErrBanNotFound = errors.New("ban not found")
)

// AddBan records a ban. A nil listID bans the pattern on every list.
func (db *Database) AddBan(ctx context.Context, tx pgx.Tx, listID *int64, pattern string) (*Ban, error) {
	if strings.HasPrefix(pattern, "^") {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid ban pattern %q: %w", pattern, err)
		}
	} else {
		pattern = strings.ToLower(pattern)
	}

	var b Ban
	err := tx.QueryRow(ctx, `
		INSERT INTO bans (list_id, pattern, created_at)
		VALUES ($1, $2, $3)
		RETURNING id, list_id, pattern, created_at`,
		listID, pattern, time.Now().UTC()).Scan(&b.ID, &b.ListID, &b.Pattern, &b.CreatedAt)
	if isUniqueViolation(err, "") {
		return nil, ErrBanExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add ban: %w", err)
	}
	return &b, nil
}

func (db *Database) RemoveBan(ctx context.Context, tx pgx.Tx, listID *int64, pattern string) error {
	if !strings.HasPrefix(pattern, "^") {
		pattern = strings.ToLower(pattern)
	}
	tag, err := timedExec(ctx, tx, "ban_remove", `
		DELETE FROM bans
		WHERE COALESCE(list_id, 0) = COALESCE($1::bigint, 0) AND pattern = $2`, listID, pattern)
	if err != nil {
		return fmt.Errorf("failed to remove ban: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBanNotFound
	}
	return nil
}

// ListBans returns the bans scoped to listID, or the global bans when
// listID is nil.
func (db *Database) ListBans(ctx context.Context, listID *int64) ([]*Ban, error) {
	rows, err := db.timedQuery(ctx, "ban_list", `
		SELECT id, list_id, pattern, created_at
		FROM bans
		WHERE COALESCE(list_id, 0) = COALESCE($1::bigint, 0)
		ORDER BY pattern`, listID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	var bans []*Ban
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.ID, &b.ListID, &b.Pattern, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ban: %w", err)
		}
		bans = append(bans, &b)
	}
	return bans, rows.Err()
}

// IsBanned reports whether email matches a ban on the list or a global ban.
func (db *Database) IsBanned(ctx context.Context, listID int64, email string) (bool, error) {
	rows, err := db.timedQuery(ctx, "ban_check", `
		SELECT pattern FROM bans
		WHERE (list_id = $1 OR list_id IS NULL)
		  AND (pattern = $2 OR pattern LIKE '^%')`, listID, strings.ToLower(email))
	if err != nil {
		return false, fmt.Errorf("failed to check bans: %w", err)
	}
	defer rows.Close()

	var patterns []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return false, fmt.Errorf("failed to scan ban: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return MatchBan(patterns, email), nil
}

// MatchBan applies ban patterns to an address. Patterns starting with ^ are
// regular expressions matched case-insensitively; others are exact addresses.
func MatchBan(patterns []string, email string) bool {
	email = strings.ToLower(email)
	for _, p := range patterns {
		if !strings.HasPrefix(p, "^") {
			if strings.ToLower(p) == email {
				return true
			}
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			logger.Warn("Skipping invalid ban pattern", "pattern", p, "error", err)
			continue
		}
		if re.MatchString(email) {
			return true
		}
	}
	return false
}
