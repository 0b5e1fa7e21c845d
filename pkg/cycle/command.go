package cycle

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// CommandUnit runs an operator-supplied subprocess as a cycle unit.
// Profiles declare these for site-specific steps (sync jobs, report
// uploads) that do not warrant a built-in. The subprocess sees
// STEWARD_DRY_RUN so it can honor dry-run mode itself.
type CommandUnit struct {
	name string
	argv []string
}

// NewCommandUnit creates a unit around argv. argv[0] is the binary.
func NewCommandUnit(name string, argv []string) (*CommandUnit, error) {
	if name == "" {
		return nil, fmt.Errorf("command unit name is required")
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command unit %s: argv is empty", name)
	}
	return &CommandUnit{name: name, argv: argv}, nil
}

func (c *CommandUnit) Name() string { return c.name }

// Run executes the subprocess under the unit's context. Combined output
// is returned either way; the orchestrator truncates it.
func (c *CommandUnit) Run(ctx context.Context, in UnitInput) (string, error) {
	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Env = append(cmd.Environ(), fmt.Sprintf("STEWARD_DRY_RUN=%t", in.DryRun))
	cmd.WaitDelay = 2 * time.Second

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		return buf.String(), fmt.Errorf("command unit %s: %w", c.name, err)
	}
	return buf.String(), nil
}
