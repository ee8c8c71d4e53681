package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/logger"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrator applies the embedded schema migrations. Mutating operations must
// be bracketed by Lock and Unlock.
type Migrator struct {
	m     *migrate.Migrate
	sqlDB *sql.DB
	conn  *sql.Conn // pins the session holding the advisory lock
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Infof("[MIGRATE] "+format, v...)
}

func (l *migrationLogger) Verbose() bool {
	return false
}

// NewMigrator opens a dedicated database/sql handle for golang-migrate.
func NewMigrator(ctx context.Context, connString string) (*Migrator, error) {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	return &Migrator{m: m, sqlDB: sqlDB}, nil
}

// Lock takes the roster advisory lock on a pinned connection. It fails
// immediately if another session holds it.
func (mg *Migrator) Lock(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := mg.sqlDB.Conn(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to pin connection for advisory lock: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.RosterAdvisoryLockID).Scan(&acquired); err != nil {
		conn.Close()
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return errors.New("could not acquire exclusive database lock, is another migration running?")
	}

	mg.conn = conn
	logger.Info("Acquired exclusive database lock for migration")
	return nil
}

// Unlock releases the advisory lock taken by Lock.
func (mg *Migrator) Unlock(ctx context.Context) {
	if mg.conn == nil {
		return
	}
	defer func() {
		mg.conn.Close()
		mg.conn = nil
	}()

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	err := mg.conn.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.RosterAdvisoryLockID).Scan(&unlocked)
	switch {
	case err != nil:
		logger.Warn("Failed to release advisory lock after migration", "error", err)
	case !unlocked:
		logger.Warn("pg_advisory_unlock reported the lock was not held")
	default:
		logger.Info("Released exclusive database lock")
	}
}

// Up applies all pending migrations. No pending migrations is not an error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Steps applies n migrations, reverting when n is negative.
func (mg *Migrator) Steps(n int) error {
	return mg.m.Steps(n)
}

func (mg *Migrator) Force(version int) error {
	return mg.m.Force(version)
}

// Version returns the current schema version. A database with no applied
// migrations reports version 0.
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (mg *Migrator) Close() error {
	mg.Unlock(context.Background())
	srcErr, dbErr := mg.m.Close()
	_ = mg.sqlDB.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

// Migrate applies pending migrations under the advisory lock and logs the
// resulting version.
func Migrate(ctx context.Context, connString string) error {
	mg, err := NewMigrator(ctx, connString)
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Lock(ctx); err != nil {
		return err
	}
	if err := mg.Up(); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := mg.Version()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database schema is dirty at version %d", version)
	}
	logger.Info("Database schema up to date", "version", version)
	return nil
}
