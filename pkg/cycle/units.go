package cycle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/steward-sh/steward/pkg/audit"
	"github.com/steward-sh/steward/pkg/engine"
	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/store"
)

// RefreshUnit moves Scheduled plans whose time has come into
// PendingApproval. This pass is the only path out of Scheduled; nothing
// pushes a scheduled plan forward outside the cycle.
func RefreshUnit(s store.Store, recorder *audit.Recorder, clock func() time.Time) Unit {
	return UnitFunc{UnitName: "refresh_scheduled", Fn: func(ctx context.Context, in UnitInput) (string, error) {
		plans, err := s.List(ctx, store.Filter{Status: plan.StatusScheduled})
		if err != nil {
			return "", fmt.Errorf("list scheduled plans: %w", err)
		}
		now := clock().UTC()
		var due, moved int
		for _, p := range plans {
			if !p.RefreshScheduled(now) {
				continue
			}
			due++
			if in.DryRun {
				continue
			}
			if err := s.TransitionStatus(ctx, p.ID, plan.StatusScheduled, plan.StatusPendingApproval); err != nil {
				// A concurrent refresh or approval got there first.
				continue
			}
			recorder.Transition(ctx, p.ID, plan.StatusScheduled, plan.StatusPendingApproval)
			moved++
		}
		if in.DryRun {
			return fmt.Sprintf("%d scheduled plans due for review", due), nil
		}
		return fmt.Sprintf("%d scheduled plans moved to pending approval", moved), nil
	}}
}

// ReportUnit snapshots plan counts by status. Read-only in both modes.
func ReportUnit(s store.Store) Unit {
	return UnitFunc{UnitName: "status_report", Fn: func(ctx context.Context, in UnitInput) (string, error) {
		counts, err := s.CountByStatus(ctx)
		if err != nil {
			return "", fmt.Errorf("count plans: %w", err)
		}
		statuses := make([]string, 0, len(counts))
		for st := range counts {
			statuses = append(statuses, string(st))
		}
		sort.Strings(statuses)
		parts := make([]string, 0, len(statuses))
		for _, st := range statuses {
			parts = append(parts, fmt.Sprintf("%s=%d", st, counts[plan.Status(st)]))
		}
		if len(parts) == 0 {
			return "no plans", nil
		}
		return strings.Join(parts, " "), nil
	}}
}

// DrainUnit executes every Approved plan through the engine. In dry-run
// mode it only reports what would run.
func DrainUnit(s store.Store, eng *engine.Engine) Unit {
	return UnitFunc{UnitName: "execution_drain", Fn: func(ctx context.Context, in UnitInput) (string, error) {
		plans, err := s.List(ctx, store.Filter{Status: plan.StatusApproved})
		if err != nil {
			return "", fmt.Errorf("list approved plans: %w", err)
		}
		if in.DryRun {
			return fmt.Sprintf("%d approved plans would execute", len(plans)), nil
		}
		var executed, failed, running int
		var firstErr error
		for _, p := range plans {
			res, err := eng.Execute(ctx, p.ID)
			if err != nil {
				// Lost the CAS to a concurrent caller, or the plan moved
				// on since listing. Not this unit's failure.
				continue
			}
			switch res.Status {
			case engine.StatusExecuted:
				executed++
			case engine.StatusRunning:
				running++
			default:
				failed++
				if firstErr == nil && res.Err != "" {
					firstErr = fmt.Errorf("plan %s: %s", p.ID, res.Err)
				}
			}
		}
		out := fmt.Sprintf("%d executed, %d failed, %d still running", executed, failed, running)
		if failed > 0 {
			return out, fmt.Errorf("%d plan executions failed (first: %v)", failed, firstErr)
		}
		return out, nil
	}}
}

// ReapUnit reconciles plans stuck in Executing past their time budget.
func ReapUnit(eng *engine.Engine) Unit {
	return UnitFunc{UnitName: "reap_stuck", Fn: func(ctx context.Context, in UnitInput) (string, error) {
		if in.DryRun {
			return "skipped in dry run", nil
		}
		ids, err := eng.Reconcile(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d stuck plans reconciled to failed", len(ids)), nil
	}}
}

// ArchiveUnit archives terminal plans older than the retention window.
func ArchiveUnit(s store.Store, retention time.Duration, clock func() time.Time) Unit {
	return UnitFunc{UnitName: "archive_terminal", Fn: func(ctx context.Context, in UnitInput) (string, error) {
		if in.DryRun {
			return "skipped in dry run", nil
		}
		n, err := s.ArchiveTerminal(ctx, clock().UTC().Add(-retention))
		if err != nil {
			return "", fmt.Errorf("archive terminal plans: %w", err)
		}
		return fmt.Sprintf("%d terminal plans archived", n), nil
	}}
}
