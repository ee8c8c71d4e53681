package db

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/consts"
)

const pendingColumns = `token, request_type, list_id, subscriber_key, awaiting, state, created_at`

const (
	pendingTokenConstraint      = "pending_requests_pkey"
	pendingSubscriberConstraint = "pending_requests_subscriber_key"
)

func scanPending(row pgx.Row) (*PendingRequest, error) {
	var p PendingRequest
	var rt, awaiting string
	if err := row.Scan(&p.Token, &rt, &p.ListID, &p.SubscriberKey, &awaiting, &p.State, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.RequestType = consts.RequestType(rt)
	p.Awaiting = consts.Awaiting(awaiting)
	return &p, nil
}

// InsertPendingRequest stores a suspended workflow. A row for the same
// (list, subscriber, type) created before staleBefore has expired and is
// tombstoned first; a live one makes the insert fail with
// consts.ErrDuplicateRequest. A token collision yields
// consts.ErrDBUniqueViolation so the caller can mint another token.
func (db *Database) InsertPendingRequest(ctx context.Context, tx pgx.Tx, req *PendingRequest, staleBefore time.Time) error {
	now := req.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
		req.CreatedAt = now
	}

	_, err := timedExec(ctx, tx, "pending_evict_stale", `
		WITH stale AS (
			DELETE FROM pending_requests
			WHERE list_id = $1 AND subscriber_key = $2 AND request_type = $3 AND created_at < $4
			RETURNING token
		)
		INSERT INTO expired_tokens (token, expired_at)
		SELECT token, $5 FROM stale
		ON CONFLICT (token) DO NOTHING`,
		req.ListID, req.SubscriberKey, string(req.RequestType), staleBefore.UTC(), now.UTC())
	if err != nil {
		return fmt.Errorf("failed to evict stale pending request: %w", err)
	}

	_, err = timedExec(ctx, tx, "pending_insert", `
		INSERT INTO pending_requests (`+pendingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.Token, string(req.RequestType), req.ListID, req.SubscriberKey, string(req.Awaiting), req.State, now.UTC())
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, pendingSubscriberConstraint):
		return consts.ErrDuplicateRequest
	case isUniqueViolation(err, pendingTokenConstraint):
		return consts.ErrDBUniqueViolation
	case isForeignKeyViolation(err):
		return consts.ErrListNotFound
	}
	return fmt.Errorf("failed to insert pending request: %w", err)
}

// ConsumePendingRequest deletes the row for token and returns it. A row
// created before staleBefore is tombstoned and reported with expired set;
// the deletion must still be committed. A missing token yields
// consts.ErrTokenExpired if tombstoned, else consts.ErrTokenNotFound.
func (db *Database) ConsumePendingRequest(ctx context.Context, tx pgx.Tx, token string, staleBefore, now time.Time) (req *PendingRequest, expired bool, err error) {
	row := tx.QueryRow(ctx, `
		DELETE FROM pending_requests WHERE token = $1
		RETURNING `+pendingColumns, token)
	req, err = scanPending(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, db.missingTokenError(ctx, tx, token)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to consume pending request: %w", err)
	}

	if !req.CreatedAt.Before(staleBefore) {
		return req, false, nil
	}

	if _, err := timedExec(ctx, tx, "pending_tombstone", `
		INSERT INTO expired_tokens (token, expired_at) VALUES ($1, $2)
		ON CONFLICT (token) DO NOTHING`, token, now.UTC()); err != nil {
		return nil, false, fmt.Errorf("failed to tombstone token: %w", err)
	}
	return req, true, nil
}

func (db *Database) missingTokenError(ctx context.Context, q pgx.Tx, token string) error {
	var tombstoned bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM expired_tokens WHERE token = $1)`, token).Scan(&tombstoned); err != nil {
		return fmt.Errorf("failed to check token tombstone: %w", err)
	}
	if tombstoned {
		return consts.ErrTokenExpired
	}
	return consts.ErrTokenNotFound
}

// GetPendingRequest reads a row without consuming it.
func (db *Database) GetPendingRequest(ctx context.Context, token string) (*PendingRequest, error) {
	row := db.timedQueryRow(ctx, "pending_get",
		`SELECT `+pendingColumns+` FROM pending_requests WHERE token = $1`, token)
	req, err := scanPending(row)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to get pending request: %w", err)
	}

	var tombstoned bool
	if err := db.timedQueryRow(ctx, "pending_tombstone_check",
		`SELECT EXISTS (SELECT 1 FROM expired_tokens WHERE token = $1)`, token).Scan(&tombstoned); err != nil {
		return nil, fmt.Errorf("failed to check token tombstone: %w", err)
	}
	if tombstoned {
		return nil, consts.ErrTokenExpired
	}
	return nil, consts.ErrTokenNotFound
}

// DeletePendingRequest discards a row without tombstoning it.
func (db *Database) DeletePendingRequest(ctx context.Context, tx pgx.Tx, token string) error {
	tag, err := timedExec(ctx, tx, "pending_delete",
		`DELETE FROM pending_requests WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("failed to delete pending request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrTokenNotFound
	}
	return nil
}

// SweepPendingRequests deletes every row created before staleBefore,
// tombstoning each token, and returns how many were removed.
func (db *Database) SweepPendingRequests(ctx context.Context, tx pgx.Tx, staleBefore, now time.Time) (int64, error) {
	tag, err := timedExec(ctx, tx, "pending_sweep", `
		WITH swept AS (
			DELETE FROM pending_requests WHERE created_at < $1
			RETURNING token
		)
		INSERT INTO expired_tokens (token, expired_at)
		SELECT token, $2 FROM swept
		ON CONFLICT (token) DO NOTHING`, staleBefore.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep pending requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeExpiredTokens forgets tombstones recorded before olderThan.
func (db *Database) PurgeExpiredTokens(ctx context.Context, tx pgx.Tx, olderThan time.Time) (int64, error) {
	tag, err := timedExec(ctx, tx, "tombstone_purge",
		`DELETE FROM expired_tokens WHERE expired_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingRequestsOfType yields live requests of one type, oldest first.
// listID 0 selects every list. Each range runs a fresh query.
func (db *Database) PendingRequestsOfType(ctx context.Context, requestType consts.RequestType, listID int64, staleBefore time.Time) iter.Seq2[*PendingRequest, error] {
	return func(yield func(*PendingRequest, error) bool) {
		rows, err := db.timedQuery(ctx, "pending_of_type", `
			SELECT `+pendingColumns+`
			FROM pending_requests
			WHERE request_type = $1
			  AND ($2::bigint = 0 OR list_id = $2)
			  AND created_at >= $3
			ORDER BY created_at, token`,
			string(requestType), listID, staleBefore.UTC())
		if err != nil {
			yield(nil, fmt.Errorf("failed to list pending requests: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			req, err := scanPending(rows)
			if err != nil {
				yield(nil, fmt.Errorf("failed to scan pending request: %w", err))
				return
			}
			if !yield(req, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}
