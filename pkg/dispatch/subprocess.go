package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultSubprocessTimeout is the hard per-attempt budget for
// subprocess-style executors.
const DefaultSubprocessTimeout = 120 * time.Second

// maxCapturedOutput bounds how much subprocess output is kept.
const maxCapturedOutput = 4096

// SubprocessExecutor shells out to an external program. The action and
// payload are passed as a JSON document on stdin:
//
//	{"action_type": "...", "payload": {...}}
//
// The program's combined output, truncated, becomes the result summary.
type SubprocessExecutor struct {
	argv    []string
	timeout time.Duration
}

// NewSubprocessExecutor builds an executor for the given argv. A zero
// timeout means DefaultSubprocessTimeout.
func NewSubprocessExecutor(argv []string, timeout time.Duration) (*SubprocessExecutor, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("subprocess executor needs a command")
	}
	if timeout <= 0 {
		timeout = DefaultSubprocessTimeout
	}
	return &SubprocessExecutor{argv: argv, timeout: timeout}, nil
}

func (e *SubprocessExecutor) Execute(ctx context.Context, actionType string, payload map[string]any) (string, error) {
	input, err := json.Marshal(map[string]any{
		"action_type": actionType,
		"payload":     payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode executor input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	// Give the process a moment to flush output after the kill signal.
	cmd.WaitDelay = 2 * time.Second

	runErr := cmd.Run()
	summary := Truncate(out.String(), maxCapturedOutput)

	if ctx.Err() == context.DeadlineExceeded {
		return summary, fmt.Errorf("executor %s: %w", e.argv[0], context.DeadlineExceeded)
	}
	if runErr != nil {
		return summary, fmt.Errorf("executor %s: %w", e.argv[0], runErr)
	}
	return strings.TrimSpace(summary), nil
}

// Truncate caps s at n bytes, marking the cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}
