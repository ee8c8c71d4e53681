package main

import (
	"context"
	"fmt"
	"os"

	"github.com/migadu/roster/notify"
	"github.com/migadu/roster/pkg/errors"
	"github.com/migadu/roster/server/cleaner"
)

func handleSweep(ctx context.Context) {
	fs, configPath := newFlagSet("sweep", "Run one maintenance pass: expire stale requests, purge old tombstones and finished notices.")
	skipOutbox := fs.Bool("skip-outbox", false, "Leave the notification outbox untouched")
	parseFlags(fs, os.Args[2:])

	cfg := loadConfig(*configPath)
	tombstones, err := cfg.Cleanup.GetTombstoneRetention()
	if err != nil {
		fatalf("Invalid cleanup.tombstone_retention: %v", err)
	}

	aw := openWorkflow(ctx, cfg, false)
	defer aw.Close()

	opts := cleaner.Options{TombstoneRetention: tombstones}
	var outbox cleaner.OutboxPurger
	if !*skipOutbox && cfg.Notify.OutboxPath != "" {
		if opts.OutboxRetention, err = cfg.Notify.GetRetention(); err != nil {
			fatalf("Invalid notify.retention: %v", err)
		}
		ob, err := notify.OpenOutbox(cfg.Notify.OutboxPath, nil)
		if err != nil {
			fatalf("Failed to open outbox: %v", err)
		}
		defer ob.Close()
		outbox = ob
	}

	rep, err := cleaner.New(aw.rd, aw.pending, outbox, opts).RunOnce(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sweep finished with errors: %v\n", err)
	}
	if rep.Skipped {
		fmt.Println("Skipped: another instance holds the cleanup lock.")
		return
	}
	fmt.Printf("Expired requests: %d\nPurged tombstones: %d\nPurged notices: %d\n",
		rep.Swept, rep.TombstonesPurged, rep.NoticesPurged)
	if err != nil {
		exit(errors.ExitFailure)
	}
}
