package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/migadu/roster/db"
	"github.com/migadu/roster/pkg/errors"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		exit(errors.ExitFailure)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		exit(errors.ExitFailure)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Run while the roster daemon is stopped. A database advisory lock keeps two
migrations from running at once.

Usage:
  roster-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  roster-admin migrate up
  roster-admin migrate down --limit 2
  roster-admin migrate down --all
  roster-admin migrate version
  roster-admin migrate force 1
`)
}

// openMigrator connects to the write endpoint. With lock set the advisory
// lock is taken before returning.
func openMigrator(ctx context.Context, configPath string, lock bool) *db.Migrator {
	cfg := loadConfig(configPath)
	if cfg.Database.Write == nil {
		fatalf("database.write is not configured")
	}
	connString, err := db.ConnString(cfg.Database.Write, "")
	if err != nil {
		fatalf("Invalid database configuration: %v", err)
	}
	mg, err := db.NewMigrator(ctx, connString)
	if err != nil {
		fatalf("Failed to initialize migration tool: %v", err)
	}
	if lock {
		if err := mg.Lock(ctx); err != nil {
			mg.Close()
			fatalf("Failed to acquire exclusive lock: %v", err)
		}
	}
	return mg
}

func showVersion(mg *db.Migrator) {
	version, dirty, err := mg.Version()
	if err != nil {
		fatalf("Failed to read migration version: %v", err)
	}
	fmt.Printf("Current migration version: %d (dirty: %t)\n", version, dirty)
}

func handleMigrateUp(ctx context.Context) {
	fs, configPath := newFlagSet("migrate up", "Apply all pending upwards migrations.")
	parseFlags(fs, os.Args[3:])

	mg := openMigrator(ctx, *configPath, true)
	defer mg.Close()

	fmt.Println("Applying UP migrations...")
	if err := mg.Up(); err != nil {
		fatalf("Failed to apply UP migrations: %v", err)
	}
	fmt.Println("Migrations applied successfully.")
	showVersion(mg)
}

func handleMigrateDown(ctx context.Context) {
	fs, configPath := newFlagSet("migrate down", "Revert migrations. Defaults to reverting one migration.")
	limit := fs.IntP("limit", "n", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	parseFlags(fs, os.Args[3:])

	if !*all && *limit < 1 {
		fatalf("--limit must be at least 1")
	}

	mg := openMigrator(ctx, *configPath, true)
	defer mg.Close()

	steps := *limit
	if *all {
		version, _, err := mg.Version()
		if err != nil {
			fatalf("Failed to read migration version: %v", err)
		}
		if version == 0 {
			fmt.Println("No migrations to revert.")
			return
		}
		steps = int(version)
	}

	fmt.Printf("Reverting %d migration(s)...\n", steps)
	if err := mg.Steps(-steps); err != nil {
		fatalf("Failed to revert migrations: %v", err)
	}
	fmt.Println("Migrations reverted successfully.")
	showVersion(mg)
}

func handleMigrateVersion(ctx context.Context) {
	fs, configPath := newFlagSet("migrate version", "Show the current migration version and dirty state.")
	parseFlags(fs, os.Args[3:])

	mg := openMigrator(ctx, *configPath, false)
	defer mg.Close()
	showVersion(mg)
}

func handleMigrateForce(ctx context.Context) {
	fs, configPath := newFlagSet("migrate force <version>", "Force the migration version without running migrations.")
	parseFlags(fs, os.Args[3:])

	if fs.NArg() != 1 {
		usageExit(fs)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil || version < -1 {
		fatalf("Invalid version %q", fs.Arg(0))
	}

	mg := openMigrator(ctx, *configPath, true)
	defer mg.Close()

	if err := mg.Force(version); err != nil {
		fatalf("Failed to force version %d: %v", version, err)
	}
	fmt.Printf("Forced migration version to %d.\n", version)
	showVersion(mg)
}
