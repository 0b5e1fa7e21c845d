// Package cycle runs the scheduled perceive-plan-report pass as a fixed
// sequence of isolated units. The sequence is fail-soft: a unit that
// fails, times out or panics is recorded and the next unit still runs.
// One bad watcher never blocks execution draining or the sweeps behind
// it.
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/steward-sh/steward/pkg/audit"
	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/store"
)

// DefaultUnitTimeout bounds a single unit when the profile does not
// override it.
const DefaultUnitTimeout = 60 * time.Second

// maxUnitOutput caps captured unit output at 4 KiB.
const maxUnitOutput = 4096

// UnitInput carries per-run parameters into a unit.
type UnitInput struct {
	// DryRun tells the unit to report what it would do without touching
	// the outside world.
	DryRun bool
}

// Unit is one isolated step of a cycle pass.
type Unit interface {
	Name() string
	Run(ctx context.Context, in UnitInput) (output string, err error)
}

// UnitFunc adapts a function to the Unit interface.
type UnitFunc struct {
	UnitName string
	Fn       func(ctx context.Context, in UnitInput) (string, error)
}

func (u UnitFunc) Name() string { return u.UnitName }

func (u UnitFunc) Run(ctx context.Context, in UnitInput) (string, error) {
	return u.Fn(ctx, in)
}

// Orchestrator drives the unit sequence and records the run.
type Orchestrator struct {
	store       store.Store
	recorder    *audit.Recorder
	units       []Unit
	unitTimeout time.Duration
	logger      *slog.Logger
	clock       func() time.Time
}

// New creates an Orchestrator over the given units. Units run in the
// order given; callers assemble watchers first, then reports, then the
// execution drain, then sweeps.
func New(s store.Store, recorder *audit.Recorder, units []Unit, unitTimeout time.Duration) *Orchestrator {
	if unitTimeout <= 0 {
		unitTimeout = DefaultUnitTimeout
	}
	return &Orchestrator{
		store:       s,
		recorder:    recorder,
		units:       units,
		unitTimeout: unitTimeout,
		logger:      slog.Default().With("component", "cycle"),
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// Run executes one full cycle pass. Execute mode requires an explicit
// confirm; without it the run is refused before any unit starts. The
// returned CycleRun always carries one result per configured unit.
func (o *Orchestrator) Run(ctx context.Context, mode plan.CycleMode, confirm bool) (*plan.CycleRun, error) {
	switch mode {
	case plan.ModeDryRun, plan.ModeExecute:
	default:
		return nil, fmt.Errorf("unknown cycle mode %q", mode)
	}
	if mode == plan.ModeExecute && !confirm {
		return nil, fmt.Errorf("execute mode requires explicit confirmation")
	}

	run := &plan.CycleRun{
		ID:        uuid.New().String(),
		Mode:      mode,
		Status:    plan.CycleRunning,
		StartedAt: o.clock().UTC(),
	}
	if err := o.store.SaveCycleRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save cycle run: %w", err)
	}
	o.logger.InfoContext(ctx, "cycle started",
		"run", run.ID, "mode", string(mode), "units", len(o.units))

	in := UnitInput{DryRun: mode == plan.ModeDryRun}
	for _, unit := range o.units {
		res := o.runUnit(ctx, unit, in)
		run.Units = append(run.Units, res)
		o.recorder.CycleUnit(ctx, run.ID, res)
		if res.Status != plan.UnitSucceeded {
			o.logger.WarnContext(ctx, "cycle unit did not succeed",
				"run", run.ID, "unit", res.Name, "status", string(res.Status), "error", res.Err)
		}
	}

	now := o.clock().UTC()
	run.CompletedAt = &now
	run.Status = plan.CycleCompleted
	if run.HasError() {
		run.Status = plan.CycleFailed
	}
	run.Summary = summarize(run)
	if err := o.store.SaveCycleRun(ctx, run); err != nil {
		return run, fmt.Errorf("save cycle run: %w", err)
	}
	o.logger.InfoContext(ctx, "cycle finished",
		"run", run.ID, "status", string(run.Status), "duration", now.Sub(run.StartedAt))
	return run, nil
}

// runUnit executes one unit in its own goroutine with a timeout and
// panic recovery. The unit's failure modes all collapse into a
// UnitResult; nothing here returns an error.
func (o *Orchestrator) runUnit(ctx context.Context, unit Unit, in UnitInput) plan.UnitResult {
	res := plan.UnitResult{
		Name:      unit.Name(),
		StartedAt: o.clock().UTC(),
	}

	unitCtx, cancel := context.WithTimeout(ctx, o.unitTimeout)
	defer cancel()

	type unitReturn struct {
		output string
		err    error
	}
	done := make(chan unitReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- unitReturn{err: fmt.Errorf("unit panic: %v", r)}
			}
		}()
		output, err := unit.Run(unitCtx, in)
		done <- unitReturn{output: output, err: err}
	}()

	select {
	case ret := <-done:
		res.Output = truncate(ret.output, maxUnitOutput)
		if ret.err != nil {
			res.Status = plan.UnitFailed
			res.Err = ret.err.Error()
		} else {
			res.Status = plan.UnitSucceeded
		}
	case <-unitCtx.Done():
		// The goroutine may still deliver partial output after the
		// cancellation propagates; give it a moment.
		res.Status = plan.UnitTimeout
		res.Err = fmt.Sprintf("unit exceeded %s budget", o.unitTimeout)
		select {
		case ret := <-done:
			res.Output = truncate(ret.output, maxUnitOutput)
		case <-time.After(2 * time.Second):
		}
	}

	res.Duration = o.clock().UTC().Sub(res.StartedAt)
	return res
}

func summarize(run *plan.CycleRun) string {
	var ok, failed, timedOut int
	for _, u := range run.Units {
		switch u.Status {
		case plan.UnitSucceeded:
			ok++
		case plan.UnitTimeout:
			timedOut++
		default:
			failed++
		}
	}
	return fmt.Sprintf("%d succeeded, %d failed, %d timed out", ok, failed, timedOut)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
