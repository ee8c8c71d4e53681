package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/roster/config"
	"github.com/migadu/roster/policy"
	"github.com/stretchr/testify/require"
)

// setupTestDatabase connects to the database named in config-test.toml,
// applies migrations and empties every table.
func setupTestDatabase(t *testing.T) *Database {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}

	cfg := config.NewDefaultConfig()
	require.NoError(t, config.LoadConfigFromFile(configPath, &cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	connString, err := ConnString(cfg.Database.Write, "")
	require.NoError(t, err)

	if err := Migrate(ctx, connString); err != nil {
		t.Skipf("Skipping database integration test, database unavailable: %v", err)
	}

	database, err := NewDatabaseFromConfig(ctx, &cfg.Database)
	require.NoError(t, err)
	t.Cleanup(database.Close)

	_, err = database.WritePool.Exec(ctx, `
		TRUNCATE users, addresses, mailing_lists, members, pending_requests,
		         expired_tokens, bans, locks RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	return database
}

func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		configPath := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("config-test.toml not found in current directory or any parent directory")
}

func inTx(t *testing.T, database *Database, fn func(ctx context.Context, tx pgx.Tx) error) {
	t.Helper()
	ctx := context.Background()
	tx, err := database.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	require.NoError(t, fn(ctx, tx))
	require.NoError(t, tx.Commit(ctx))
}

func createTestList(t *testing.T, database *Database, name string, p policy.Policy) *MailingList {
	t.Helper()
	var list *MailingList
	inTx(t, database, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		list, err = database.CreateList(ctx, tx, name, "", "owner@example.com", p)
		return err
	})
	return list
}
