// Package store implements durable storage for plans, execution
// attempts and cycle runs. The Store is the single source of truth for
// plan state: every status change goes through TransitionStatus, an
// atomic compare-and-set keyed on the expected prior status. Components
// never read-then-write a status, so two racing callers can never both
// enter the same transition.
package store

import (
	"context"
	"time"

	"github.com/steward-sh/steward/pkg/plan"
)

// Filter narrows List results.
type Filter struct {
	Status  plan.Status
	Channel plan.Channel
	// ActiveOnly excludes Archived plans.
	ActiveOnly bool
	Limit      int
}

// Store is the authoritative record of plan lifecycle state.
type Store interface {
	Create(ctx context.Context, p *plan.Plan) error
	Get(ctx context.Context, id string) (*plan.Plan, error)
	List(ctx context.Context, f Filter) ([]*plan.Plan, error)

	// UpdateFilePath records the derived rendering location. It never
	// touches status.
	UpdateFilePath(ctx context.Context, id, filePath string) error

	// TransitionStatus atomically moves a plan from the expected prior
	// status to the target status. It returns plan.ErrNotFound when the
	// plan is absent and plan.ErrInvalidStatus when either the edge is
	// illegal or the stored status no longer matches from.
	TransitionStatus(ctx context.Context, id string, from, to plan.Status) error

	RecordAttempt(ctx context.Context, a *plan.ExecutionAttempt) error
	CompleteAttempt(ctx context.Context, attemptID string, finishedAt time.Time, outcome plan.Outcome, summary, errDetail string) error
	AttemptsForPlan(ctx context.Context, planID string) ([]*plan.ExecutionAttempt, error)

	CountByStatus(ctx context.Context) (map[plan.Status]int, error)

	SaveCycleRun(ctx context.Context, run *plan.CycleRun) error
	LastCycleRun(ctx context.Context) (*plan.CycleRun, error)

	// ReapStuckExecuting fails any plan left in Executing since before
	// the cutoff (an attempt that crashed mid-flight without reporting).
	// Dangling attempts are completed with a timeout outcome. Returns
	// the affected plan IDs.
	ReapStuckExecuting(ctx context.Context, cutoff time.Time) ([]string, error)

	// ArchiveTerminal archives Executed/Rejected/Failed plans last
	// updated before the cutoff. Archival never reuses a plan.
	ArchiveTerminal(ctx context.Context, cutoff time.Time) (int, error)
}
