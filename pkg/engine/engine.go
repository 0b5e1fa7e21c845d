// Package engine runs approved plans. The at-most-one-concurrent-
// execution guarantee rests on a single atomic compare-and-set in the
// store: Approved -> Executing. Whoever wins that CAS owns the attempt;
// everyone else observes ErrInvalidStatus and never dispatches.
//
// A failed or timed-out attempt moves the plan to Failed and stops
// there. Side effects on external channels are not safely idempotent,
// so nothing here retries; recovery is a new, freshly approved plan.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/steward-sh/steward/pkg/audit"
	"github.com/steward-sh/steward/pkg/dispatch"
	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/store"
)

const (
	// DefaultAttemptTimeout is the hard budget for one attempt.
	DefaultAttemptTimeout = 120 * time.Second

	// DefaultWaitTimeout bounds how long Execute blocks its caller
	// before reporting the attempt as still running.
	DefaultWaitTimeout = 30 * time.Second

	// reapMargin is added to the attempt timeout before a stuck
	// Executing plan may be reconciled to Failed.
	reapMargin = 5 * time.Minute
)

// ResultStatus classifies what Execute reports to its caller.
type ResultStatus string

const (
	// StatusExecuted means the attempt finished successfully.
	StatusExecuted ResultStatus = "executed"
	// StatusFailed means the attempt finished with a failure or timeout.
	StatusFailed ResultStatus = "failed"
	// StatusRunning means the attempt had not finished within the
	// caller's wait budget. It is still running and will record its
	// real outcome when it lands; this is not an error.
	StatusRunning ResultStatus = "running"
)

// Result is the caller-facing outcome of an Execute call.
type Result struct {
	PlanID    string       `json:"plan_id"`
	AttemptID string       `json:"attempt_id"`
	Status    ResultStatus `json:"status"`
	Summary   string       `json:"summary,omitempty"`
	Err       string       `json:"error,omitempty"`
}

// Config tunes the engine's timeouts.
type Config struct {
	AttemptTimeout time.Duration
	WaitTimeout    time.Duration
}

// Engine executes approved plans through channel executors.
type Engine struct {
	store     store.Store
	recorder  *audit.Recorder
	registry  *dispatch.Registry
	validator *dispatch.PayloadValidator
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time
}

// New creates an Engine. validator may be nil to skip payload checks.
func New(s store.Store, recorder *audit.Recorder, registry *dispatch.Registry, validator *dispatch.PayloadValidator, cfg Config) *Engine {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	return &Engine{
		store:     s,
		recorder:  recorder,
		registry:  registry,
		validator: validator,
		cfg:       cfg,
		logger:    slog.Default().With("component", "engine"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Execute runs the plan if and only if it is Approved. The call blocks
// for at most the wait timeout; a slower attempt keeps running in the
// background and records its outcome when done, while the caller gets
// a non-error "running" result.
func (e *Engine) Execute(ctx context.Context, planID string) (*Result, error) {
	p, err := e.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != plan.StatusApproved {
		e.recorder.RejectedCall(ctx, "plan_execute", planID,
			fmt.Sprintf("plan is %s, expected %s", p.Status, plan.StatusApproved))
		return nil, fmt.Errorf("%w: plan %s is %s", plan.ErrInvalidStatus, planID, p.Status)
	}

	// The exclusive-execution gate. A concurrent caller loses this CAS
	// and sees ErrInvalidStatus; it must never start a duplicate send.
	if err := e.store.TransitionStatus(ctx, planID, plan.StatusApproved, plan.StatusExecuting); err != nil {
		return nil, err
	}
	e.recorder.Transition(ctx, planID, plan.StatusApproved, plan.StatusExecuting)

	attempt := &plan.ExecutionAttempt{
		ID:        uuid.New().String(),
		PlanID:    planID,
		StartedAt: e.clock().UTC(),
	}
	if err := e.store.RecordAttempt(ctx, attempt); err != nil {
		// The plan is already Executing; fail it rather than leave an
		// untracked attempt in flight.
		e.finish(context.WithoutCancel(ctx), p, attempt, plan.OutcomeFailure, "",
			fmt.Sprintf("record attempt: %v", err))
		return nil, fmt.Errorf("record attempt: %w", err)
	}

	done := make(chan Result, 1)
	// The attempt is detached from the caller's context: the caller
	// racing a wait timeout must not cancel the side effect mid-flight.
	go e.runAttempt(context.WithoutCancel(ctx), p, attempt, done)

	select {
	case res := <-done:
		return &res, nil
	case <-time.After(e.cfg.WaitTimeout):
		e.logger.InfoContext(ctx, "attempt still running past wait budget",
			"plan", planID, "attempt", attempt.ID)
		return &Result{PlanID: planID, AttemptID: attempt.ID, Status: StatusRunning}, nil
	case <-ctx.Done():
		return &Result{PlanID: planID, AttemptID: attempt.ID, Status: StatusRunning}, nil
	}
}

// runAttempt dispatches to the channel executor and records the real
// outcome regardless of whether anyone is still waiting.
func (e *Engine) runAttempt(ctx context.Context, p *plan.Plan, attempt *plan.ExecutionAttempt, done chan<- Result) {
	defer func() {
		if r := recover(); r != nil {
			e.finish(ctx, p, attempt, plan.OutcomeFailure, "", fmt.Sprintf("executor panic: %v", r))
			done <- Result{PlanID: p.ID, AttemptID: attempt.ID, Status: StatusFailed, Err: fmt.Sprintf("executor panic: %v", r)}
		}
	}()

	summary, err := e.dispatch(ctx, p)
	if err != nil {
		outcome := plan.OutcomeFailure
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, plan.ErrTimeout) {
			outcome = plan.OutcomeTimeout
		}
		e.finish(ctx, p, attempt, outcome, summary, err.Error())
		done <- Result{PlanID: p.ID, AttemptID: attempt.ID, Status: StatusFailed, Summary: summary, Err: err.Error()}
		return
	}

	e.finish(ctx, p, attempt, plan.OutcomeSuccess, summary, "")
	done <- Result{PlanID: p.ID, AttemptID: attempt.ID, Status: StatusExecuted, Summary: summary}
}

func (e *Engine) dispatch(ctx context.Context, p *plan.Plan) (string, error) {
	if e.validator != nil {
		if err := e.validator.Validate(p.Channel, p.Payload); err != nil {
			return "", fmt.Errorf("%w: %v", plan.ErrExecutorFailure, err)
		}
	}
	executor, err := e.registry.Lookup(p.Channel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", plan.ErrExecutorFailure, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	return executor.Execute(ctx, p.ActionType, p.Payload)
}

// finish records the attempt outcome and moves the plan to its
// terminal execution status.
func (e *Engine) finish(ctx context.Context, p *plan.Plan, attempt *plan.ExecutionAttempt, outcome plan.Outcome, summary, errDetail string) {
	now := e.clock().UTC()
	if err := e.store.CompleteAttempt(ctx, attempt.ID, now, outcome, summary, errDetail); err != nil {
		e.logger.ErrorContext(ctx, "completing attempt failed",
			"plan", p.ID, "attempt", attempt.ID, "error", err)
	}

	target := plan.StatusExecuted
	if outcome != plan.OutcomeSuccess {
		target = plan.StatusFailed
	}
	if err := e.store.TransitionStatus(ctx, p.ID, plan.StatusExecuting, target); err != nil {
		// The reconciliation sweep may have failed the plan already.
		e.logger.ErrorContext(ctx, "recording execution outcome failed",
			"plan", p.ID, "target", target, "error", err)
	} else {
		e.recorder.Transition(ctx, p.ID, plan.StatusExecuting, target)
	}
	e.recorder.Attempt(ctx, p.ID, outcome, errDetail)

	e.logger.InfoContext(ctx, "attempt finished",
		"plan", p.ID, "attempt", attempt.ID, "outcome", string(outcome))
}

// Reconcile fails plans stuck in Executing longer than the attempt
// timeout plus a margin: an attempt that crashed mid-flight without
// reporting. Returns the reconciled plan IDs.
func (e *Engine) Reconcile(ctx context.Context) ([]string, error) {
	cutoff := e.clock().Add(-(e.cfg.AttemptTimeout + reapMargin))
	ids, err := e.store.ReapStuckExecuting(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reap stuck executing: %w", err)
	}
	for _, id := range ids {
		e.recorder.Transition(ctx, id, plan.StatusExecuting, plan.StatusFailed)
		e.recorder.Attempt(ctx, id, plan.OutcomeTimeout, "reaped: no outcome reported within time budget")
		e.logger.WarnContext(ctx, "reconciled stuck plan to failed", "plan", id)
	}
	return ids, nil
}
