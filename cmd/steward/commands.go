package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/steward-sh/steward/pkg/approval"
	"github.com/steward-sh/steward/pkg/config"
	"github.com/steward-sh/steward/pkg/engine"
	"github.com/steward-sh/steward/pkg/plan"
)

// interactiveTokenTTL bounds a token minted for one CLI decision.
const interactiveTokenTTL = 2 * time.Minute

func runCycleCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("cycle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	mode := fs.String("mode", string(plan.ModeDryRun), "dry_run or execute")
	confirm := fs.Bool("confirm", false, "required for execute mode")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	run, err := a.orchestrator.Run(context.Background(), plan.CycleMode(*mode), *confirm)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	printJSON(stdout, run)
	if run.Status == plan.CycleFailed {
		return 1
	}
	return 0
}

// runDecisionCmd approves or rejects a plan. The operator either pastes
// a token minted by the interactive surface, or names themselves with
// --as, in which case the CLI (itself an interactive boundary) mints a
// short-lived token from the local signing key.
func runDecisionCmd(verb string, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	fs.SetOutput(stderr)
	token := fs.String("token", "", "approval token")
	actor := fs.String("as", "", "actor to mint a local token for")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(stderr, "Usage: steward %s <plan-id> [--token=T | --as=actor]\n", verb)
		return 2
	}
	planID := fs.Arg(0)

	cfg := config.Load()
	a, err := newApp(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	if a.gate == nil {
		fmt.Fprintln(stderr, "Error: APPROVAL_SIGNING_KEY is not configured")
		return 2
	}

	t := *token
	if t == "" {
		if *actor == "" {
			fmt.Fprintln(stderr, "Error: either --token or --as is required")
			return 2
		}
		t, err = approval.MintInteractiveToken([]byte(cfg.ApprovalKey), *actor, interactiveTokenTTL)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	decide := a.gate.Approve
	if verb == "reject" {
		decide = a.gate.Reject
	}
	p, err := decide(context.Background(), planID, t)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, p)
	return 0
}

func runExecuteCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: steward execute <plan-id>")
		return 2
	}

	a, err := newApp(config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	res, err := a.engine.Execute(context.Background(), args[0])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, res)
	if res.Status == engine.StatusFailed {
		return 1
	}
	return 0
}

func runStatusCmd(stdout, stderr io.Writer) int {
	a, err := newApp(config.Load())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	ctx := context.Background()
	counts, err := a.store.CountByStatus(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	lastRun, err := a.store.LastCycleRun(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSON(stdout, map[string]any{
		"plan_counts":    counts,
		"last_cycle_run": lastRun,
	})
	return 0
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
