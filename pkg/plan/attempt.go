package plan

import "time"

// Outcome classifies a finished execution attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// ExecutionAttempt is one try at running an Approved plan. Many
// attempts may reference one plan over its history, but at most one
// may be in flight at a time; the Approved -> Executing compare-and-set
// in the store is what enforces that.
type ExecutionAttempt struct {
	ID            string     `json:"id"`
	PlanID        string     `json:"plan_id"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Outcome       Outcome    `json:"outcome,omitempty"`
	ResultSummary string     `json:"result_summary,omitempty"`
	ErrorDetail   string     `json:"error_detail,omitempty"`
}

// InFlight reports whether the attempt has not yet recorded an outcome.
func (a *ExecutionAttempt) InFlight() bool {
	return a.FinishedAt == nil
}
