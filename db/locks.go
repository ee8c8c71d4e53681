package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const CleanupLockName = "pending_request_sweeper"
const LockTimeout = 30 * time.Second

// AcquireCleanupLock takes the sweeper lock row, or steals it once the
// previous holder's lease has lapsed.
func (db *Database) AcquireCleanupLock(ctx context.Context, tx pgx.Tx) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(LockTimeout)

	result, err := timedExec(ctx, tx, "lock_acquire", `
		INSERT INTO locks (lock_name, acquired_at, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lock_name) DO UPDATE SET
			acquired_at = $2,
			expires_at = $3
		WHERE locks.expires_at < $2`, CleanupLockName, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func (db *Database) ReleaseCleanupLock(ctx context.Context, tx pgx.Tx) error {
	if _, err := timedExec(ctx, tx, "lock_release", `DELETE FROM locks WHERE lock_name = $1`, CleanupLockName); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
