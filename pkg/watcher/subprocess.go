package watcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/steward-sh/steward/pkg/plan"
)

// DefaultPollTimeout is the hard budget for one subprocess poll.
const DefaultPollTimeout = 30 * time.Second

// SubprocessWatcher polls by running an external program. The program
// prints a JSON array of proposals on stdout:
//
//	[{"channel": "mail", "action_type": "send_reply",
//	  "payload": {...}, "scheduled_at": "2026-08-29T12:00:00Z"}]
//
// Empty output means nothing observed. Anything on stderr is carried
// into the error when the program fails.
type SubprocessWatcher struct {
	name    string
	argv    []string
	timeout time.Duration
}

// NewSubprocessWatcher builds a watcher for the given argv. A zero
// timeout means DefaultPollTimeout.
func NewSubprocessWatcher(name string, argv []string, timeout time.Duration) (*SubprocessWatcher, error) {
	if name == "" {
		return nil, fmt.Errorf("subprocess watcher needs a name")
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("watcher %s: argv is empty", name)
	}
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &SubprocessWatcher{name: name, argv: argv, timeout: timeout}, nil
}

// Name implements Watcher.
func (w *SubprocessWatcher) Name() string { return w.name }

type proposalDoc struct {
	Channel     plan.Channel   `json:"channel"`
	ActionType  string         `json:"action_type"`
	Payload     map[string]any `json:"payload"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
}

// Poll implements Watcher.
func (w *SubprocessWatcher) Poll(ctx context.Context) ([]Proposal, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, w.argv[0], w.argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("watcher %s: %w: %s", w.name, err, msg)
		}
		return nil, fmt.Errorf("watcher %s: %w", w.name, err)
	}

	raw := strings.TrimSpace(stdout.String())
	if raw == "" {
		return nil, nil
	}

	var docs []proposalDoc
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, fmt.Errorf("watcher %s: decode proposals: %w", w.name, err)
	}

	proposals := make([]Proposal, 0, len(docs))
	for i, doc := range docs {
		if !doc.Channel.Valid() {
			return nil, fmt.Errorf("watcher %s: proposal %d: unknown channel %q", w.name, i, doc.Channel)
		}
		if doc.ActionType == "" {
			return nil, fmt.Errorf("watcher %s: proposal %d: action_type is required", w.name, i)
		}
		proposals = append(proposals, Proposal{
			Channel:     doc.Channel,
			ActionType:  doc.ActionType,
			Payload:     doc.Payload,
			ScheduledAt: doc.ScheduledAt,
		})
	}
	return proposals, nil
}
