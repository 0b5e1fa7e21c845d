// Package approval implements the approval gate: the only component
// allowed to move a plan from PendingApproval to Approved or Rejected.
// The gate accepts a signed interactive-origin token, not a bare actor
// string; since batch code never holds the signing key, no automated
// process can drive an approval through it. This is the design
// contract from the lifecycle graph, enforced rather than assumed.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steward-sh/steward/pkg/audit"
	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/render"
	"github.com/steward-sh/steward/pkg/store"
)

// Gate performs human approve/reject decisions on plans.
type Gate struct {
	store    store.Store
	recorder *audit.Recorder
	verifier TokenVerifier
	policy   *Policy
	renderer *render.Renderer
	logger   *slog.Logger
	clock    func() time.Time
}

// NewGate creates a Gate. policy and renderer may be nil; the policy
// then admits every verified actor and no files are maintained.
func NewGate(s store.Store, recorder *audit.Recorder, verifier TokenVerifier, policy *Policy, renderer *render.Renderer) *Gate {
	return &Gate{
		store:    s,
		recorder: recorder,
		verifier: verifier,
		policy:   policy,
		renderer: renderer,
		logger:   slog.Default().With("component", "approval"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Approve moves the plan to Approved on behalf of the token's actor.
// Legal starting statuses are PendingApproval, Draft and Scheduled;
// a draft or scheduled plan is first brought to PendingApproval so the
// lifecycle graph is walked edge by edge.
func (g *Gate) Approve(ctx context.Context, planID, token string) (*plan.Plan, error) {
	return g.decide(ctx, planID, token, plan.StatusApproved, "approved")
}

// Reject moves the plan to Rejected. Same actor and status rules as
// Approve.
func (g *Gate) Reject(ctx context.Context, planID, token string) (*plan.Plan, error) {
	return g.decide(ctx, planID, token, plan.StatusRejected, "rejected")
}

func (g *Gate) decide(ctx context.Context, planID, token string, target plan.Status, approvalStatus string) (*plan.Plan, error) {
	actor, err := g.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	p, err := g.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}

	if allowed, err := g.policy.Allows(actor, p); err != nil {
		return nil, fmt.Errorf("%w: %v", plan.ErrForbidden, err)
	} else if !allowed {
		return nil, fmt.Errorf("%w: actor %s may not decide plan %s", plan.ErrForbidden, actor, planID)
	}

	oldStatus := p.Status
	switch p.Status {
	case plan.StatusPendingApproval:
		// Already at the decision point.
	case plan.StatusDraft, plan.StatusScheduled:
		if err := g.store.TransitionStatus(ctx, planID, p.Status, plan.StatusPendingApproval); err != nil {
			return nil, err
		}
		p.Status = plan.StatusPendingApproval
	default:
		return nil, fmt.Errorf("%w: plan %s is %s", plan.ErrInvalidStatus, planID, p.Status)
	}

	if err := g.store.TransitionStatus(ctx, planID, plan.StatusPendingApproval, target); err != nil {
		// A racing decision got there first.
		if errors.Is(err, plan.ErrInvalidStatus) {
			return nil, err
		}
		return nil, err
	}
	p.Status = target
	now := g.clock().UTC()
	if now.After(p.UpdatedAt) {
		p.UpdatedAt = now
	}

	g.recorder.Approval(ctx, planID, actor, approvalStatus)

	// Best-effort: the rendered file mirrors the decision but the store
	// transition above is authoritative. A failed relocation is logged
	// as a warning only.
	if g.renderer != nil {
		path, err := g.renderer.Relocate(p, oldStatus)
		if err != nil {
			g.logger.WarnContext(ctx, "plan rendering relocation failed",
				"plan", planID, "error", err)
		} else if path != p.FilePath {
			p.FilePath = path
			if err := g.store.UpdateFilePath(ctx, planID, path); err != nil {
				g.logger.WarnContext(ctx, "recording rendering path failed",
					"plan", planID, "error", err)
			}
		}
	}

	g.logger.InfoContext(ctx, "plan decision recorded",
		"plan", planID, "actor", actor, "decision", approvalStatus)
	return p, nil
}
