package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/roster/config"
	"github.com/migadu/roster/pkg/resilient"
	"github.com/stretchr/testify/require"
)

var testTables = []string{
	"expired_tokens",
	"pending_requests",
	"members",
	"bans",
	"mailing_lists",
	"users",
	"addresses",
	"locks",
}

// TestDatabase wraps a migrated, empty Postgres database for integration tests.
type TestDatabase struct {
	*resilient.ResilientDatabase
	Config *config.DatabaseConfig
}

// SetupTestDatabase connects using config-test.toml, applies migrations and
// truncates every table. The test is skipped in short mode or when no
// database is reachable.
func SetupTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	configPath, err := findTestConfig()
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}

	cfg := config.NewDefaultConfig()
	require.NoError(t, config.LoadConfigFromFile(configPath, &cfg), "Failed to load test config. Please check config-test.toml syntax")

	ctx := context.Background()
	rd, err := resilient.NewResilientDatabase(ctx, &cfg.Database, true)
	if err != nil {
		t.Skipf("Skipping database integration test: %v", err)
	}

	for _, table := range testTables {
		_, err := rd.GetDatabase().WritePool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", table))
		require.NoError(t, err)
	}

	td := &TestDatabase{ResilientDatabase: rd, Config: &cfg.Database}
	t.Cleanup(td.Close)
	return td
}

// findTestConfig walks up the directory tree to find config-test.toml
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
