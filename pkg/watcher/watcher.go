// Package watcher turns external observations into Draft plans. A
// Watcher is the perception boundary: it may call anything (mail
// inboxes, forum feeds, ERP queues) but all it can hand back is a list
// of proposals. Proposals become plans through the normal lifecycle and
// earn no shortcut past approval.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/steward-sh/steward/pkg/audit"
	"github.com/steward-sh/steward/pkg/cycle"
	"github.com/steward-sh/steward/pkg/dispatch"
	"github.com/steward-sh/steward/pkg/limiter"
	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/render"
	"github.com/steward-sh/steward/pkg/store"
)

// Proposal is one observed event a watcher wants turned into a plan.
type Proposal struct {
	Channel     plan.Channel
	ActionType  string
	Payload     map[string]any
	ScheduledAt *time.Time
}

// Watcher polls an external surface for proposals.
type Watcher interface {
	Name() string
	Poll(ctx context.Context) ([]Proposal, error)
}

// Liveness is the runner's health snapshot for the status surface.
type Liveness struct {
	Name    string     `json:"name"`
	LastRun *time.Time `json:"last_run,omitempty"`
	LastErr string     `json:"last_error,omitempty"`
}

// Runner wraps a Watcher as a cycle unit: it polls, throttles intake,
// validates payloads and files Draft plans through their Finalize step.
// A misbehaving watcher degrades to a failed unit result; it never
// takes the cycle down.
type Runner struct {
	watcher   Watcher
	store     store.Store
	recorder  *audit.Recorder
	limiter   limiter.Store
	policy    limiter.Policy
	validator *dispatch.PayloadValidator
	renderer  *render.Renderer
	logger    *slog.Logger
	clock     func() time.Time

	mu      sync.Mutex
	lastRun *time.Time
	lastErr string
}

// NewRunner creates a Runner. limiter, validator and renderer may be
// nil; intake is then unthrottled, unvalidated or unrendered.
func NewRunner(w Watcher, s store.Store, recorder *audit.Recorder, lim limiter.Store, policy limiter.Policy, validator *dispatch.PayloadValidator, renderer *render.Renderer) *Runner {
	return &Runner{
		watcher:   w,
		store:     s,
		recorder:  recorder,
		limiter:   lim,
		policy:    policy,
		validator: validator,
		renderer:  renderer,
		logger:    slog.Default().With("component", "watcher", "watcher", w.Name()),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// Name implements cycle.Unit.
func (r *Runner) Name() string { return "watch_" + r.watcher.Name() }

// Liveness reports the runner's last run and last error.
func (r *Runner) Liveness() Liveness {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Liveness{Name: r.watcher.Name(), LastRun: r.lastRun, LastErr: r.lastErr}
}

// Run implements cycle.Unit. Dry-run mode polls and reports but files
// nothing.
func (r *Runner) Run(ctx context.Context, in cycle.UnitInput) (string, error) {
	now := r.clock().UTC()
	r.mu.Lock()
	r.lastRun = &now
	r.mu.Unlock()

	proposals, err := r.watcher.Poll(ctx)
	if err != nil {
		r.setErr(err)
		return "", fmt.Errorf("poll %s: %w", r.watcher.Name(), err)
	}

	if in.DryRun {
		r.setErr(nil)
		return fmt.Sprintf("%d proposals observed", len(proposals)), nil
	}

	var filed, throttled, invalid int
	for _, prop := range proposals {
		if r.limiter != nil {
			allowed, err := r.limiter.Allow(ctx, "watcher:"+r.watcher.Name(), r.policy, 1)
			if err != nil {
				r.logger.WarnContext(ctx, "limiter unavailable, admitting proposal", "error", err)
			} else if !allowed {
				throttled++
				continue
			}
		}
		if r.validator != nil {
			if err := r.validator.Validate(prop.Channel, prop.Payload); err != nil {
				invalid++
				r.logger.WarnContext(ctx, "proposal payload rejected",
					"channel", string(prop.Channel), "action", prop.ActionType, "error", err)
				continue
			}
		}
		if err := r.file(ctx, prop); err != nil {
			r.setErr(err)
			return fmt.Sprintf("%d plans filed, %d throttled, %d invalid", filed, throttled, invalid),
				fmt.Errorf("file proposal: %w", err)
		}
		filed++
	}

	r.setErr(nil)
	return fmt.Sprintf("%d plans filed, %d throttled, %d invalid", filed, throttled, invalid), nil
}

// file creates the Draft plan and walks it to its resting status.
func (r *Runner) file(ctx context.Context, prop Proposal) error {
	p := plan.New(prop.Channel, prop.ActionType, prop.Payload)
	p.ScheduledAt = prop.ScheduledAt
	if err := r.store.Create(ctx, p); err != nil {
		return err
	}

	now := r.clock().UTC()
	from := p.Status
	if err := p.Finalize(now); err != nil {
		return err
	}
	if err := r.store.TransitionStatus(ctx, p.ID, from, p.Status); err != nil {
		return err
	}
	r.recorder.Transition(ctx, p.ID, from, p.Status)

	if r.renderer != nil {
		path, err := r.renderer.Write(p)
		if err != nil {
			r.logger.WarnContext(ctx, "plan rendering failed", "plan", p.ID, "error", err)
		} else if err := r.store.UpdateFilePath(ctx, p.ID, path); err != nil {
			r.logger.WarnContext(ctx, "recording rendering path failed", "plan", p.ID, "error", err)
		}
	}

	r.logger.InfoContext(ctx, "proposal filed as plan",
		"plan", p.ID, "channel", string(p.Channel), "status", string(p.Status))
	return nil
}

func (r *Runner) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastErr = err.Error()
	} else {
		r.lastErr = ""
	}
}
