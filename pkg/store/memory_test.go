package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/store"
)

func newPlan(t *testing.T, s store.Store, status plan.Status) *plan.Plan {
	t.Helper()
	p := plan.New(plan.ChannelMail, "send_reply", map[string]any{"to": "ops@example.com"})
	p.Status = status
	require.NoError(t, s.Create(context.Background(), p))
	return p
}

func TestMemoryStore_CreateGet(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	p := newPlan(t, s, plan.StatusDraft)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, plan.StatusDraft, got.Status)
	assert.Equal(t, "ops@example.com", got.Payload["to"])

	// The store hands out copies, not aliases.
	got.Status = plan.StatusExecuted
	got.Payload["to"] = "tampered"
	again, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusDraft, again.Status)
	assert.Equal(t, "ops@example.com", again.Payload["to"])

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, plan.ErrNotFound)
}

func TestMemoryStore_TransitionStatus(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := newPlan(t, s, plan.StatusPendingApproval)

	require.NoError(t, s.TransitionStatus(ctx, p.ID, plan.StatusPendingApproval, plan.StatusApproved))

	// The decision is single-use: a second approve finds the wrong
	// prior status.
	err := s.TransitionStatus(ctx, p.ID, plan.StatusPendingApproval, plan.StatusApproved)
	assert.ErrorIs(t, err, plan.ErrInvalidStatus)

	// Illegal edge, even though the prior status matches.
	err = s.TransitionStatus(ctx, p.ID, plan.StatusApproved, plan.StatusExecuted)
	assert.ErrorIs(t, err, plan.ErrInvalidStatus)

	err = s.TransitionStatus(ctx, "missing", plan.StatusPendingApproval, plan.StatusApproved)
	assert.ErrorIs(t, err, plan.ErrNotFound)

	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusApproved, got.Status)
}

// TestMemoryStore_TransitionStatus_OneWinner races many claimants for
// the Approved -> Executing edge; exactly one may win.
func TestMemoryStore_TransitionStatus_OneWinner(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := newPlan(t, s, plan.StatusApproved)

	const claimants = 32
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.TransitionStatus(ctx, p.ID, plan.StatusApproved, plan.StatusExecuting); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one claimant may move the plan to Executing")
	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusExecuting, got.Status)
}

func TestMemoryStore_List(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	newPlan(t, s, plan.StatusDraft)
	newPlan(t, s, plan.StatusApproved)
	archived := newPlan(t, s, plan.StatusArchived)

	active, err := s.List(ctx, store.Filter{ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 2)
	for _, p := range active {
		assert.NotEqual(t, archived.ID, p.ID)
	}

	approved, err := s.List(ctx, store.Filter{Status: plan.StatusApproved})
	require.NoError(t, err)
	assert.Len(t, approved, 1)

	limited, err := s.List(ctx, store.Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStore_Attempts(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	p := newPlan(t, s, plan.StatusExecuting)

	a := &plan.ExecutionAttempt{ID: "a1", PlanID: p.ID, StartedAt: time.Now().UTC()}
	require.NoError(t, s.RecordAttempt(ctx, a))

	got, err := s.AttemptsForPlan(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].InFlight())

	done := time.Now().UTC()
	require.NoError(t, s.CompleteAttempt(ctx, "a1", done, plan.OutcomeSuccess, "sent", ""))

	got, err = s.AttemptsForPlan(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].InFlight())
	assert.Equal(t, plan.OutcomeSuccess, got[0].Outcome)
	assert.Equal(t, "sent", got[0].ResultSummary)

	assert.ErrorIs(t, s.CompleteAttempt(ctx, "missing", done, plan.OutcomeFailure, "", ""), plan.ErrNotFound)
}

func TestMemoryStore_ReapStuckExecuting(t *testing.T) {
	now := time.Now().UTC()
	s := store.NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	stuck := newPlan(t, s, plan.StatusExecuting)
	require.NoError(t, s.RecordAttempt(ctx, &plan.ExecutionAttempt{
		ID: "a-stuck", PlanID: stuck.ID, StartedAt: now.Add(-time.Hour),
	}))
	// A non-Executing plan inside the window must never be touched.
	idle := newPlan(t, s, plan.StatusApproved)

	cutoff := now.Add(time.Minute)
	reaped, err := s.ReapStuckExecuting(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{stuck.ID}, reaped)

	got, err := s.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusFailed, got.Status)

	attempts, err := s.AttemptsForPlan(ctx, stuck.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, plan.OutcomeTimeout, attempts[0].Outcome)
	assert.False(t, attempts[0].InFlight())

	unrelated, err := s.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusApproved, unrelated.Status)
}

func TestMemoryStore_ArchiveTerminal(t *testing.T) {
	now := time.Now().UTC()
	s := store.NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	old := newPlan(t, s, plan.StatusExecuted)
	active := newPlan(t, s, plan.StatusApproved)

	n, err := s.ArchiveTerminal(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusArchived, got.Status)

	got, err = s.Get(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusApproved, got.Status, "non-terminal plans are never archived")

	// Nothing left inside the window.
	n, err = s.ArchiveTerminal(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_CycleRuns(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	last, err := s.LastCycleRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	run := &plan.CycleRun{ID: "r1", Mode: plan.ModeDryRun, Status: plan.CycleRunning, StartedAt: time.Now().UTC()}
	require.NoError(t, s.SaveCycleRun(ctx, run))

	// Saving again with the same ID updates in place.
	run.Status = plan.CycleCompleted
	run.Units = []plan.UnitResult{{Name: "status_report", Status: plan.UnitSucceeded}}
	require.NoError(t, s.SaveCycleRun(ctx, run))

	last, err = s.LastCycleRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, plan.CycleCompleted, last.Status)
	require.Len(t, last.Units, 1)
}

func TestMemoryStore_CountByStatus(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	newPlan(t, s, plan.StatusDraft)
	newPlan(t, s, plan.StatusDraft)
	newPlan(t, s, plan.StatusExecuted)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[plan.StatusDraft])
	assert.Equal(t, 1, counts[plan.StatusExecuted])
	assert.Zero(t, counts[plan.StatusFailed])
}
