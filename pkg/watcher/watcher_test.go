package watcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/pkg/audit"
	"github.com/steward-sh/steward/pkg/cycle"
	"github.com/steward-sh/steward/pkg/limiter"
	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/store"
	"github.com/steward-sh/steward/pkg/watcher"
)

type fakeWatcher struct {
	name      string
	proposals []watcher.Proposal
	err       error
	polls     int
}

func (f *fakeWatcher) Name() string { return f.name }

func (f *fakeWatcher) Poll(ctx context.Context) ([]watcher.Proposal, error) {
	f.polls++
	return f.proposals, f.err
}

func newRunner(w watcher.Watcher, lim limiter.Store, policy limiter.Policy) (*watcher.Runner, *store.MemoryStore) {
	s := store.NewMemoryStore()
	recorder := audit.NewRecorder(audit.NewMemoryLog())
	return watcher.NewRunner(w, s, recorder, lim, policy, nil, nil), s
}

func TestRunner_FilesProposals(t *testing.T) {
	future := time.Now().UTC().Add(2 * time.Hour)
	w := &fakeWatcher{name: "inbox", proposals: []watcher.Proposal{
		{Channel: plan.ChannelMail, ActionType: "send_reply", Payload: map[string]any{"to": "a@example.com"}},
		{Channel: plan.ChannelMail, ActionType: "send_reply", ScheduledAt: &future},
	}}
	r, s := newRunner(w, nil, limiter.Policy{})
	ctx := context.Background()

	out, err := r.Run(ctx, cycle.UnitInput{})
	require.NoError(t, err)
	assert.Contains(t, out, "2 plans filed")

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[plan.StatusPendingApproval], "immediate proposal awaits approval")
	assert.Equal(t, 1, counts[plan.StatusScheduled], "future proposal is scheduled")
	assert.Zero(t, counts[plan.StatusApproved], "watchers never approve anything")

	live := r.Liveness()
	assert.Equal(t, "inbox", live.Name)
	require.NotNil(t, live.LastRun)
	assert.Empty(t, live.LastErr)
}

func TestRunner_DryRunFilesNothing(t *testing.T) {
	w := &fakeWatcher{name: "inbox", proposals: []watcher.Proposal{
		{Channel: plan.ChannelMail, ActionType: "send_reply"},
	}}
	r, s := newRunner(w, nil, limiter.Policy{})
	ctx := context.Background()

	out, err := r.Run(ctx, cycle.UnitInput{DryRun: true})
	require.NoError(t, err)
	assert.Contains(t, out, "1 proposals observed")
	assert.Equal(t, 1, w.polls)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

// TestRunner_PollErrorBecomesUnitError verifies a broken watcher
// degrades to a failed unit result and shows up in liveness.
func TestRunner_PollErrorBecomesUnitError(t *testing.T) {
	w := &fakeWatcher{name: "forum", err: assert.AnError}
	r, _ := newRunner(w, nil, limiter.Policy{})

	_, err := r.Run(context.Background(), cycle.UnitInput{})
	require.Error(t, err)
	assert.NotEmpty(t, r.Liveness().LastErr)
}

func TestRunner_ThrottlesIntake(t *testing.T) {
	proposals := make([]watcher.Proposal, 5)
	for i := range proposals {
		proposals[i] = watcher.Proposal{Channel: plan.ChannelSocial, ActionType: "publish"}
	}
	w := &fakeWatcher{name: "firehose", proposals: proposals}

	lim := limiter.NewLocalStore()
	r, s := newRunner(w, lim, limiter.Policy{RPM: 60, Burst: 2, TTLSeconds: 60})
	ctx := context.Background()

	out, err := r.Run(ctx, cycle.UnitInput{})
	require.NoError(t, err)
	assert.Contains(t, out, "2 plans filed")
	assert.Contains(t, out, "3 throttled")

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[plan.StatusPendingApproval])
}

func TestRunner_Name(t *testing.T) {
	r, _ := newRunner(&fakeWatcher{name: "erp"}, nil, limiter.Policy{})
	assert.Equal(t, "watch_erp", r.Name())
}
