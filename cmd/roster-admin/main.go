package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/roster/config"
	"github.com/migadu/roster/logger"
	"github.com/migadu/roster/membership"
	"github.com/migadu/roster/notify"
	"github.com/migadu/roster/pkg/errors"
	"github.com/migadu/roster/pkg/resilient"
	"github.com/migadu/roster/token"
	"github.com/migadu/roster/workflow"
	"github.com/spf13/pflag"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitCode unwinds a command through its deferred cleanups up to main.
type exitCode int

func main() {
	os.Exit(run())
}

// recoverExit stores the code of an exit call in code. Other panics are
// re-raised.
func recoverExit(code *int) {
	if r := recover(); r != nil {
		c, ok := r.(exitCode)
		if !ok {
			panic(r)
		}
		*code = int(c)
	}
}

func run() (code int) {
	defer recoverExit(&code)

	if len(os.Args) < 2 {
		printUsage()
		return errors.ExitFailure
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	switch command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "create-list":
		handleCreateList(ctx)
	case "lists":
		handleListLists(ctx)
	case "subscribe":
		handleSubscribe(ctx)
	case "confirm":
		handleConfirm(ctx)
	case "pending":
		handlePending(ctx)
	case "approve":
		handleDecide(ctx, "approve", workflow.Approve)
	case "reject":
		handleDecide(ctx, "reject", workflow.Reject)
	case "sweep":
		handleSweep(ctx)
	case "ban":
		handleBan(ctx)
	case "unban":
		handleUnban(ctx)
	case "version", "--version", "-v":
		fmt.Printf("roster-admin version %s (commit: %s, built at: %s)\n", version, commit, date)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		return errors.ExitFailure
	}
	return errors.ExitOK
}

func printUsage() {
	fmt.Printf(`Roster Admin Tool

Usage:
  roster-admin <command> [options]

Commands:
  migrate       Manage database schema migrations (up, down, version, force)
  create-list   Create a mailing list
  lists         Show all mailing lists
  subscribe     Start a subscription on behalf of an address or user
  confirm       Redeem a confirmation token as the subscriber
  pending       Show pending requests of a list
  approve       Approve a request waiting on moderation
  reject        Reject a pending request
  sweep         Run one maintenance pass (expire requests, purge tombstones)
  ban           Ban an address or pattern, on one list or globally
  unban         Remove a ban
  version       Show version information

Examples:
  roster-admin migrate up
  roster-admin create-list --name ant@example.com --owner owner@example.com --policy confirm
  roster-admin subscribe --list ant@example.com --email anne@example.com
  roster-admin pending --list ant@example.com
  roster-admin approve --token <token>
  roster-admin ban --list ant@example.com --pattern '^.*@spam\.example$'

Use 'roster-admin <command> --help' for more information about a command.
`)
}

// newFlagSet returns a flag set carrying the common --config flag.
func newFlagSet(name, usage string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	configPath := fs.StringP("config", "c", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Printf("%s\n\nUsage:\n  roster-admin %s [options]\n\nOptions:\n", usage, name)
		fs.PrintDefaults()
	}
	return fs, configPath
}

func parseFlags(fs *pflag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		exit(errors.ExitFailure)
	}
}

// loadConfig reads the config file, which may be absent when it is the
// default path, and applies environment overrides. Admin output goes to
// stderr regardless of the configured log output.
func loadConfig(configPath string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || configPath != "config.toml" {
			fmt.Fprintf(os.Stderr, "Failed to load configuration from %s: %v\n", configPath, err)
			exit(errors.ExitConfig)
		}
	}
	if err := config.ApplyEnvOverrides(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to apply environment overrides: %v\n", err)
		exit(errors.ExitConfig)
	}

	cfg.Logging.Output = "stderr"
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Warning initializing logger: %v\n", err)
	}
	return cfg
}

func openDatabase(ctx context.Context, cfg config.Config) *resilient.ResilientDatabase {
	rd, err := resilient.NewResilientDatabase(ctx, &cfg.Database, false)
	if err != nil {
		fatalf("Failed to connect to database: %v", err)
	}
	return rd
}

// adminWorkflow is a workflow service over the configured database. Notices
// are queued in the shared outbox for the daemon to deliver.
type adminWorkflow struct {
	*workflow.Service
	rd      *resilient.ResilientDatabase
	pending *resilient.PendingStore
	notify  *notify.Service
}

func openWorkflow(ctx context.Context, cfg config.Config, withNotices bool) *adminWorkflow {
	lifetime, err := cfg.Subscription.GetPendingRequestLifetime()
	if err != nil {
		fatalf("Invalid subscription.pending_request_lifetime: %v", err)
	}
	role, err := cfg.Subscription.GetDefaultRole()
	if err != nil {
		fatalf("Invalid subscription.default_role: %v", err)
	}
	mode, err := cfg.Subscription.GetDefaultDeliveryMode()
	if err != nil {
		fatalf("Invalid subscription.default_delivery_mode: %v", err)
	}

	aw := &adminWorkflow{rd: openDatabase(ctx, cfg)}
	aw.pending = resilient.NewPendingStore(aw.rd, token.NewCodec(), lifetime)

	var notifier workflow.Notifier
	if withNotices && cfg.Notify.OutboxPath != "" {
		// TODO: open the outbox without resetting rows in processing, so a
		// running daemon's in-flight deliveries are not retried twice.
		aw.notify, err = notify.NewService(cfg.Notify)
		if err != nil {
			aw.Close()
			fatalf("Failed to open notification outbox: %v", err)
		}
		notifier = aw.notify.Dispatcher
	}

	stores := aw.rd.Stores()
	aw.Service, err = workflow.NewService(workflow.Dependencies{
		Lists:       stores,
		Identity:    stores,
		Pending:     aw.pending,
		Bans:        stores,
		Committer:   membership.NewCommitter(stores, mode),
		Notifier:    notifier,
		PublicURL:   cfg.HTTPAPI.PublicURL,
		DefaultRole: role,
	})
	if err != nil {
		aw.Close()
		fatalf("Failed to build workflow service: %v", err)
	}
	return aw
}

func (aw *adminWorkflow) Close() {
	if aw.notify != nil {
		_ = aw.notify.Outbox.Close()
	}
	aw.rd.Close()
}

// exit ends the running command with code. Deferred calls of the command,
// such as closing the database, run first.
func exit(code int) {
	panic(exitCode(code))
}

func usageExit(fs *pflag.FlagSet) {
	fs.Usage()
	exit(errors.ExitFailure)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	exit(errors.ExitFailure)
}
