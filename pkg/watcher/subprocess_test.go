package watcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/watcher"
)

func TestSubprocessWatcher_Poll(t *testing.T) {
	script := `echo '[{"channel":"mail","action_type":"send_reply","payload":{"to":"a@example.com"},"scheduled_at":"2026-09-01T08:00:00Z"},{"channel":"forum","action_type":"create_post"}]'`
	w, err := watcher.NewSubprocessWatcher("inbox", []string{"/bin/sh", "-c", script}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "inbox", w.Name())

	proposals, err := w.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, proposals, 2)
	assert.Equal(t, plan.ChannelMail, proposals[0].Channel)
	assert.Equal(t, "send_reply", proposals[0].ActionType)
	assert.Equal(t, "a@example.com", proposals[0].Payload["to"])
	require.NotNil(t, proposals[0].ScheduledAt)
	assert.Equal(t, 2026, proposals[0].ScheduledAt.Year())
	assert.Nil(t, proposals[1].ScheduledAt)
}

func TestSubprocessWatcher_EmptyOutput(t *testing.T) {
	w, err := watcher.NewSubprocessWatcher("quiet", []string{"/bin/true"}, time.Second)
	require.NoError(t, err)

	proposals, err := w.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, proposals)
}

func TestSubprocessWatcher_FailureCarriesStderr(t *testing.T) {
	w, err := watcher.NewSubprocessWatcher("broken", []string{"/bin/sh", "-c", "echo feed unreachable >&2; exit 1"}, time.Second)
	require.NoError(t, err)

	_, err = w.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "feed unreachable")
}

func TestSubprocessWatcher_RejectsBadProposals(t *testing.T) {
	cases := map[string]string{
		"not json":        `echo 'not json'`,
		"unknown channel": `echo '[{"channel":"pager","action_type":"page"}]'`,
		"no action":       `echo '[{"channel":"mail"}]'`,
	}
	for label, script := range cases {
		t.Run(label, func(t *testing.T) {
			w, err := watcher.NewSubprocessWatcher("x", []string{"/bin/sh", "-c", script}, time.Second)
			require.NoError(t, err)
			_, err = w.Poll(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestNewSubprocessWatcher_Invalid(t *testing.T) {
	_, err := watcher.NewSubprocessWatcher("", []string{"/bin/true"}, 0)
	assert.Error(t, err)
	_, err = watcher.NewSubprocessWatcher("empty", nil, 0)
	assert.Error(t, err)
}
