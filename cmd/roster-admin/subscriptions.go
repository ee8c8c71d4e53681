package main

import (
	"context"
	"fmt"
	"os"

	"github.com/migadu/roster/consts"
	"github.com/migadu/roster/helpers"
	"github.com/migadu/roster/policy"
	"github.com/migadu/roster/workflow"
)

func printResult(res *workflow.Result) {
	switch res.Outcome {
	case workflow.OutcomeCommitted:
		fmt.Printf("Subscribed %s as %s (member %s)\n", res.Member.Email, res.Member.Role, res.Member.UUID)
	case workflow.OutcomePending:
		fmt.Printf("Pending, awaiting %s\nToken: %s\n", res.Awaiting, res.Token)
	default:
		fmt.Println("Request cancelled.")
	}
}

// workflowFailure prints err with the lifetime hint for token errors and
// exits.
func workflowFailure(aw *adminWorkflow, err error) {
	switch workflow.ErrorKind(err) {
	case "token_not_found":
		fatalf("Unknown token. Requests that are not confirmed within %s are discarded.", helpers.FormatDays(aw.Lifetime()))
	case "token_expired":
		fatalf("This request has expired. Requests must be confirmed within %s.", helpers.FormatDays(aw.Lifetime()))
	default:
		fatalf("Error: %v", err)
	}
}

func handleSubscribe(ctx context.Context) {
	fs, configPath := newFlagSet("subscribe", "Start a subscription. Exactly one of --email or --user-id is required.")
	listName := fs.StringP("list", "l", "", "List address (required)")
	email := fs.StringP("email", "e", "", "Subscriber address")
	userID := fs.String("user-id", "", "Subscriber user id (uuid)")
	displayName := fs.String("display-name", "", "Display name for a newly created user")
	roleName := fs.String("role", "", "Membership role: member, owner, moderator, nonmember (default from config)")
	preVerified := fs.Bool("pre-verified", false, "Treat the address as already verified")
	preConfirmed := fs.Bool("pre-confirmed", false, "Skip subscriber confirmation")
	preApproved := fs.Bool("pre-approved", false, "Skip moderator approval")
	noNotify := fs.Bool("no-notify", false, "Do not queue any notices")
	parseFlags(fs, os.Args[2:])

	if *listName == "" || (*email == "") == (*userID == "") {
		usageExit(fs)
	}
	var role consts.Role
	if *roleName != "" {
		r, err := consts.ParseRole(*roleName)
		if err != nil {
			fatalf("%v", err)
		}
		role = r
	}
	sub := workflow.AddressSubscriber(*email)
	if *userID != "" {
		sub = workflow.UserSubscriber(*userID)
	}

	aw := openWorkflow(ctx, loadConfig(*configPath), !*noNotify)
	defer aw.Close()

	res, err := aw.Start(ctx, workflow.StartRequest{
		List:        *listName,
		Subscriber:  sub,
		Role:        role,
		DisplayName: *displayName,
		Trust: policy.Trust{
			PreVerified:  *preVerified,
			PreConfirmed: *preConfirmed,
			PreApproved:  *preApproved,
		},
	})
	if err != nil {
		workflowFailure(aw, err)
	}
	printResult(res)
}

func handleConfirm(ctx context.Context) {
	fs, configPath := newFlagSet("confirm", "Redeem a token as the subscriber.")
	tok := fs.StringP("token", "t", "", "Token from the confirmation notice (required)")
	parseFlags(fs, os.Args[2:])

	if *tok == "" {
		usageExit(fs)
	}

	aw := openWorkflow(ctx, loadConfig(*configPath), true)
	defer aw.Close()

	res, err := aw.Resume(ctx, *tok)
	if err != nil {
		workflowFailure(aw, err)
	}
	printResult(res)
}

func handlePending(ctx context.Context) {
	fs, configPath := newFlagSet("pending", "Show pending requests of a list, oldest first.")
	listName := fs.StringP("list", "l", "", "List address (required)")
	typeName := fs.String("type", string(consts.RequestSubscription), "Request type: subscription or unsubscription")
	parseFlags(fs, os.Args[2:])

	if *listName == "" {
		usageExit(fs)
	}
	rt, err := consts.ParseRequestType(*typeName)
	if err != nil {
		fatalf("%v", err)
	}

	aw := openWorkflow(ctx, loadConfig(*configPath), false)
	defer aw.Close()

	seq, err := aw.Requests(ctx, *listName, rt)
	if err != nil {
		workflowFailure(aw, err)
	}

	count := 0
	for req, err := range seq {
		if err != nil {
			fatalf("Failed to read pending requests: %v", err)
		}
		if count == 0 {
			fmt.Printf("%-36s %-12s %-20s %-20s %s\n", "EMAIL", "AWAITING", "STEP", "CREATED", "TOKEN")
		}
		fmt.Printf("%-36s %-12s %-20s %-20s %s\n", req.Email, req.Awaiting, req.Step,
			req.CreatedAt.Format("2006-01-02 15:04:05"), req.Token)
		count++
	}
	if count == 0 {
		fmt.Printf("No pending %s requests for %s.\n", rt, *listName)
	}
}

func handleDecide(ctx context.Context, name string, decision workflow.Decision) {
	fs, configPath := newFlagSet(name, fmt.Sprintf("%s a pending request as a moderator.", map[workflow.Decision]string{
		workflow.Approve: "Approve",
		workflow.Reject:  "Reject",
	}[decision]))
	tok := fs.StringP("token", "t", "", "Request token (required)")
	reason := fs.String("reason", "", "Reason given to the subscriber when rejecting")
	parseFlags(fs, os.Args[2:])

	if *tok == "" {
		usageExit(fs)
	}

	aw := openWorkflow(ctx, loadConfig(*configPath), true)
	defer aw.Close()

	res, err := aw.ModeratorDecide(ctx, *tok, decision, *reason)
	if err != nil {
		workflowFailure(aw, err)
	}
	printResult(res)
}
