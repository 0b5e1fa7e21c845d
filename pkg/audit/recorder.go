package audit

import (
	"context"
	"log/slog"

	"github.com/steward-sh/steward/pkg/plan"
)

// Recorder wraps a Log with typed helpers for the transitions the rest
// of the system records. Append failures on these paths are surfaced to
// the caller; whether they are fatal is the caller's call.
type Recorder struct {
	log    Log
	logger *slog.Logger
}

// NewRecorder creates a Recorder over the given log.
func NewRecorder(log Log) *Recorder {
	return &Recorder{
		log:    log,
		logger: slog.Default().With("component", "audit"),
	}
}

// Log exposes the underlying log for queries.
func (r *Recorder) Log() Log { return r.log }

// Transition records a plan status change performed by the system.
func (r *Recorder) Transition(ctx context.Context, planID string, from, to plan.Status) {
	r.append(ctx, Entry{
		ActionType: "plan_transition",
		Target:     planID,
		Result:     string(from) + " -> " + string(to),
	})
}

// Approval records an approve or reject decision by a human actor.
func (r *Recorder) Approval(ctx context.Context, planID, actor, approvalStatus string) {
	r.append(ctx, Entry{
		ActionType:     "plan_approval",
		Actor:          actor,
		Target:         planID,
		ApprovalStatus: approvalStatus,
		ApprovedBy:     actor,
	})
}

// Attempt records the outcome of one execution attempt.
func (r *Recorder) Attempt(ctx context.Context, planID string, outcome plan.Outcome, errDetail string) {
	result := "success"
	if outcome != plan.OutcomeSuccess {
		result = "failure"
	}
	r.append(ctx, Entry{
		ActionType: "plan_execution",
		Target:     planID,
		Result:     result,
		Error:      errDetail,
	})
}

// RejectedCall records an operation refused before any side effect ran,
// e.g. execute() on a plan that is not Approved. It never claims
// success.
func (r *Recorder) RejectedCall(ctx context.Context, op, target, reason string) {
	r.append(ctx, Entry{
		ActionType: op,
		Target:     target,
		Result:     "rejected_call",
		Error:      reason,
	})
}

// CycleUnit records one unit's result within a cycle run.
func (r *Recorder) CycleUnit(ctx context.Context, runID string, u plan.UnitResult) {
	r.append(ctx, Entry{
		ActionType: "cycle_unit",
		Target:     runID + "/" + u.Name,
		Result:     string(u.Status),
		Error:      u.Err,
	})
}

func (r *Recorder) append(ctx context.Context, e Entry) {
	if r.log == nil {
		return
	}
	if _, err := r.log.Append(ctx, e); err != nil {
		// The primary transition already happened; losing the audit
		// write is loud but must not unwind it here.
		r.logger.ErrorContext(ctx, "audit append failed",
			"action", e.ActionType, "target", e.Target, "error", err)
	}
}
