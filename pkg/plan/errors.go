package plan

import "errors"

// Error taxonomy for the plan lifecycle. State-machine and approval
// violations are always surfaced as one of these; best-effort side
// channels (file rendering, preview relocation) are logged as warnings
// and never mapped onto them.
var (
	// ErrNotFound is returned when the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidStatus is returned when a transition is not legal from
	// the current status. The status is left unchanged.
	ErrInvalidStatus = errors.New("transition not legal from current status")

	// ErrForbidden is returned when the actor lacks rights to the plan.
	ErrForbidden = errors.New("actor lacks rights")

	// ErrTimeout is returned when an attempt exceeded its time budget.
	ErrTimeout = errors.New("attempt exceeded time budget")

	// ErrExecutorFailure is returned when the external executor reported
	// a domain failure.
	ErrExecutorFailure = errors.New("executor reported failure")
)
