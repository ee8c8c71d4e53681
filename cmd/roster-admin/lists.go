package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/migadu/roster/db"
	"github.com/migadu/roster/helpers"
	"github.com/migadu/roster/policy"
)

func handleCreateList(ctx context.Context) {
	fs, configPath := newFlagSet("create-list", "Create a mailing list.")
	name := fs.String("name", "", "Fully qualified list address, e.g. ant@example.com (required)")
	displayName := fs.String("display-name", "", "Human readable list name")
	owner := fs.String("owner", "", "Address that receives moderation requests (required)")
	policyName := fs.StringP("policy", "p", string(policy.Confirm), "Subscription policy: open, confirm, moderate, confirm_then_moderate")
	parseFlags(fs, os.Args[2:])

	if *name == "" || *owner == "" {
		usageExit(fs)
	}
	listName, err := helpers.NormalizeAddress(*name)
	if err != nil {
		fatalf("Invalid list name %q: %v", *name, err)
	}
	ownerAddress, err := helpers.NormalizeAddress(*owner)
	if err != nil {
		fatalf("Invalid owner address %q: %v", *owner, err)
	}
	p, err := policy.Parse(*policyName)
	if err != nil {
		fatalf("%v", err)
	}

	rd := openDatabase(ctx, loadConfig(*configPath))
	defer rd.Close()

	list, err := rd.CreateListWithRetry(ctx, listName, *displayName, ownerAddress, p)
	if err != nil {
		fatalf("Failed to create list: %v", err)
	}
	fmt.Printf("Created list %s (id %d, policy %s)\n", list.Name, list.ID, list.Policy)
}

func handleListLists(ctx context.Context) {
	fs, configPath := newFlagSet("lists", "Show all mailing lists.")
	parseFlags(fs, os.Args[2:])

	rd := openDatabase(ctx, loadConfig(*configPath))
	defer rd.Close()

	lists, err := rd.ListMailingListsWithRetry(ctx)
	if err != nil {
		fatalf("Failed to list mailing lists: %v", err)
	}
	if len(lists) == 0 {
		fmt.Println("No mailing lists.")
		return
	}
	fmt.Printf("%-6s %-36s %-24s %-32s\n", "ID", "NAME", "POLICY", "OWNER")
	for _, l := range lists {
		fmt.Printf("%-6d %-36s %-24s %-32s\n", l.ID, l.Name, l.Policy, l.OwnerAddress)
	}
}

// banScope resolves --list to a list id. An empty name is a global ban.
func banScope(ctx context.Context, lookup func(ctx context.Context, name string) (*db.MailingList, error), name string) *int64 {
	if name == "" {
		return nil
	}
	list, err := lookup(ctx, name)
	if err != nil {
		fatalf("Failed to find list %s: %v", name, err)
	}
	return &list.ID
}

func handleBan(ctx context.Context) {
	fs, configPath := newFlagSet("ban", "Ban an address or a pattern. A pattern starting with ^ is a regular expression.")
	listName := fs.StringP("list", "l", "", "List the ban applies to (default: all lists)")
	pattern := fs.String("pattern", "", "Address or ^regular expression (required)")
	showOnly := fs.Bool("show", false, "Show existing bans instead of adding one")
	parseFlags(fs, os.Args[2:])

	rd := openDatabase(ctx, loadConfig(*configPath))
	defer rd.Close()
	scope := banScope(ctx, rd.GetListByNameWithRetry, *listName)

	if *showOnly {
		bans, err := rd.ListBansWithRetry(ctx, scope)
		if err != nil {
			fatalf("Failed to list bans: %v", err)
		}
		for _, b := range bans {
			where := "global"
			if b.ListID != nil {
				where = fmt.Sprintf("list %d", *b.ListID)
			}
			fmt.Printf("%-48s %-12s %s\n", b.Pattern, where, b.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return
	}

	if *pattern == "" {
		usageExit(fs)
	}
	if _, err := rd.AddBanWithRetry(ctx, scope, *pattern); err != nil {
		fatalf("Failed to add ban: %v", err)
	}
	fmt.Printf("Banned %s on %s\n", *pattern, scopeName(*listName))
}

func handleUnban(ctx context.Context) {
	fs, configPath := newFlagSet("unban", "Remove a ban.")
	listName := fs.StringP("list", "l", "", "List the ban applies to (default: the global ban)")
	pattern := fs.String("pattern", "", "Address or pattern exactly as banned (required)")
	parseFlags(fs, os.Args[2:])

	if *pattern == "" {
		usageExit(fs)
	}

	rd := openDatabase(ctx, loadConfig(*configPath))
	defer rd.Close()
	scope := banScope(ctx, rd.GetListByNameWithRetry, *listName)

	if err := rd.RemoveBanWithRetry(ctx, scope, *pattern); err != nil {
		if errors.Is(err, db.ErrBanNotFound) {
			fatalf("No such ban: %s on %s", *pattern, scopeName(*listName))
		}
		fatalf("Failed to remove ban: %v", err)
	}
	fmt.Printf("Removed ban %s on %s\n", *pattern, scopeName(*listName))
}

func scopeName(listName string) string {
	if listName == "" {
		return "all lists"
	}
	return listName
}
