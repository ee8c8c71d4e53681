package notify

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/roster/logger"
	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"
)

// Outbox row states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
)

const outboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	dedup_key TEXT NOT NULL UNIQUE,
	template TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipient TEXT NOT NULL,
	message BLOB NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_outbox_updated ON outbox(status, updated_at);
`

// Notice is one queued message.
type Notice struct {
	ID        string
	Template  string
	From      string
	To        string
	Message   []byte
	Attempts  int
	CreatedAt time.Time
}

type OutboxStats struct {
	Pending    int
	Processing int
	Delivered  int
	Failed     int
}

// Outbox is a durable queue of outgoing notices backed by sqlite.
type Outbox struct {
	db  *sql.DB
	now func() time.Time
}

// OpenOutbox opens or creates the outbox at path. Rows left in processing
// by an earlier run are returned to pending.
func OpenOutbox(path string, now func() time.Time) (*Outbox, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, fmt.Errorf("outbox path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	if now == nil {
		now = time.Now
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}
	// One connection serialises writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Outbox: failed to enable WAL", "error", err)
	}
	if _, err := db.Exec(outboxSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create outbox schema: %w", err)
	}

	o := &Outbox{db: db, now: now}
	res, err := db.Exec(`UPDATE outbox SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, o.stamp(), StatusProcessing)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to recover outbox: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Info("Outbox: recovered in-flight notices", "count", n)
	}
	return o, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

func (o *Outbox) stamp() int64 {
	return o.now().UnixMilli()
}

// DedupKey identifies a notice by template, recipient and substitutions.
// Every field is written with a length prefix.
func DedupKey(template, recipient string, subs map[string]string) string {
	keys := make([]string, 0, len(subs))
	for k := range subs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	h := blake3.New(32, nil)
	var buf []byte
	field := func(s string) {
		buf = binary.AppendUvarint(buf[:0], uint64(len(s)))
		h.Write(buf)
		h.Write([]byte(s))
	}
	field(template)
	field(strings.ToLower(recipient))
	buf = binary.AppendUvarint(buf[:0], uint64(len(keys)))
	h.Write(buf)
	for _, k := range keys {
		field(k)
		field(subs[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Enqueue stores a notice. It reports false when a notice with the same
// dedup key is already in the outbox.
func (o *Outbox) Enqueue(ctx context.Context, dedupKey, template, from, to string, message []byte) (string, bool, error) {
	id := uuid.NewString()
	now := o.stamp()
	res, err := o.db.ExecContext(ctx, `
		INSERT INTO outbox (id, dedup_key, template, sender, recipient, message, status, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING`,
		id, dedupKey, template, from, to, message, StatusPending, now, now, now)
	if err != nil {
		return "", false, fmt.Errorf("failed to enqueue notice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		return "", false, nil
	}
	return id, true, nil
}

// AcquireNext claims up to limit due notices, oldest first.
func (o *Outbox) AcquireNext(ctx context.Context, limit int) ([]*Notice, error) {
	now := o.stamp()
	rows, err := o.db.QueryContext(ctx, `
		UPDATE outbox SET status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = ? AND next_attempt_at <= ?
			ORDER BY created_at, id
			LIMIT ?
		)
		RETURNING id, template, sender, recipient, message, attempts, created_at`,
		StatusProcessing, now, StatusPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire notices: %w", err)
	}
	defer rows.Close()

	var out []*Notice
	for rows.Next() {
		var n Notice
		var created int64
		if err := rows.Scan(&n.ID, &n.Template, &n.From, &n.To, &n.Message, &n.Attempts, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *Notice) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (o *Outbox) MarkSuccess(ctx context.Context, id string) error {
	return o.setStatus(ctx, id, StatusDelivered, "")
}

func (o *Outbox) MarkPermanentFailure(ctx context.Context, id, reason string) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, StatusFailed, reason, o.stamp(), id)
	return err
}

// Release returns a claimed notice to pending without counting an attempt.
func (o *Outbox) Release(ctx context.Context, id string) error {
	return o.setStatus(ctx, id, StatusPending, "")
}

// MarkFailure records a failed attempt. The notice is rescheduled after
// the backoff for its attempt number, or marked failed once maxAttempts
// is reached. It reports whether the notice was given up on.
func (o *Outbox) MarkFailure(ctx context.Context, id, reason string, maxAttempts int, backoff []time.Duration) (bool, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRowContext(ctx, `SELECT attempts FROM outbox WHERE id = ?`, id).Scan(&attempts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("notice %s not found", id)
		}
		return false, err
	}
	attempts++

	now := o.now()
	status := StatusPending
	next := now
	if attempts >= maxAttempts {
		status = StatusFailed
	} else if len(backoff) > 0 {
		next = now.Add(backoff[min(attempts-1, len(backoff)-1)])
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox SET status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`, status, attempts, reason, next.UnixMilli(), now.UnixMilli(), id); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return status == StatusFailed, nil
}

func (o *Outbox) setStatus(ctx context.Context, id, status, reason string) error {
	res, err := o.db.ExecContext(ctx, `UPDATE outbox SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, reason, o.stamp(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notice %s not found", id)
	}
	return nil
}

func (o *Outbox) Stats(ctx context.Context) (OutboxStats, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return OutboxStats{}, err
	}
	defer rows.Close()

	var st OutboxStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return OutboxStats{}, err
		}
		switch status {
		case StatusPending:
			st.Pending = n
		case StatusProcessing:
			st.Processing = n
		case StatusDelivered:
			st.Delivered = n
		case StatusFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

// PurgeDelivered removes delivered and failed notices last touched before
// olderThan.
func (o *Outbox) PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE status IN (?, ?) AND updated_at < ?`,
		StatusDelivered, StatusFailed, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return res.RowsAffected()
}

// Status returns the state of a notice and its last failure reason.
func (o *Outbox) Status(ctx context.Context, id string) (status, lastError string, err error) {
	err = o.db.QueryRowContext(ctx, `SELECT status, last_error FROM outbox WHERE id = ?`, id).Scan(&status, &lastError)
	return status, lastError, err
}
