package plan

import "time"

// CycleMode selects whether a cycle pass mutates the outside world.
type CycleMode string

const (
	ModeDryRun  CycleMode = "dry_run"
	ModeExecute CycleMode = "execute"
)

// CycleStatus is the lifecycle state of one orchestrator pass.
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
)

// UnitStatus classifies one unit's result within a cycle.
type UnitStatus string

const (
	UnitSucceeded UnitStatus = "succeeded"
	UnitFailed    UnitStatus = "failed"
	UnitTimeout   UnitStatus = "timeout"
)

// UnitResult records the outcome of one isolated unit of work.
type UnitResult struct {
	Name      string        `json:"name"`
	Status    UnitStatus    `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Output    string        `json:"output,omitempty"`
	Err       string        `json:"error,omitempty"`
}

// CycleRun is one execution of the orchestrator's scheduled pass.
// A unit failing is a recorded fact, not a crash: the run completes
// with status failed but a full per-unit result list.
type CycleRun struct {
	ID          string       `json:"id"`
	Mode        CycleMode    `json:"mode"`
	Status      CycleStatus  `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Units       []UnitResult `json:"units"`
	Summary     string       `json:"summary,omitempty"`
}

// HasError reports whether any unit in the run did not succeed.
func (c *CycleRun) HasError() bool {
	for _, u := range c.Units {
		if u.Status != UnitSucceeded {
			return true
		}
	}
	return false
}
