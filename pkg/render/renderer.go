// Package render maintains best-effort human-readable renderings of
// plans on disk for manual review. The files are derived artifacts:
// the store is authoritative, and every error returned here is a
// warning-level concern for the caller, never a reason to fail a
// transition.
package render

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/steward-sh/steward/pkg/plan"
)

// Renderer writes plan files under <dir>/<status>/<plan-id>.md.
type Renderer struct {
	dir string
}

// New creates a Renderer rooted at dir.
func New(dir string) *Renderer {
	return &Renderer{dir: dir}
}

// Write renders the plan into its status directory and returns the
// file path.
func (r *Renderer) Write(p *plan.Plan) (string, error) {
	path := r.pathFor(p.ID, p.Status)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create render dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(renderMarkdown(p)), 0o644); err != nil {
		return "", fmt.Errorf("write plan rendering: %w", err)
	}
	return path, nil
}

// Relocate moves the plan's rendering from its old status directory to
// the current one, rewriting the content so the file reflects the new
// state. A missing source file is not an error; the file is simply
// rewritten in place under the new status.
func (r *Renderer) Relocate(p *plan.Plan, oldStatus plan.Status) (string, error) {
	oldPath := r.pathFor(p.ID, oldStatus)
	newPath, err := r.Write(p)
	if err != nil {
		return "", err
	}
	if oldPath != newPath {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			return newPath, fmt.Errorf("remove stale rendering: %w", err)
		}
	}
	return newPath, nil
}

func (r *Renderer) pathFor(id string, status plan.Status) string {
	return filepath.Join(r.dir, strings.ToLower(string(status)), id+".md")
}

func renderMarkdown(p *plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan %s\n\n", p.ID)
	fmt.Fprintf(&b, "- **Status**: %s\n", p.Status)
	fmt.Fprintf(&b, "- **Channel**: %s\n", p.Channel)
	fmt.Fprintf(&b, "- **Action**: %s\n", p.ActionType)
	if p.ScheduledAt != nil {
		fmt.Fprintf(&b, "- **Scheduled**: %s\n", p.ScheduledAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- **Created**: %s\n", p.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Updated**: %s\n\n", p.UpdatedAt.UTC().Format(time.RFC3339))

	b.WriteString("## Payload\n\n")
	keys := make([]string, 0, len(p.Payload))
	for k := range p.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "- `%s`: %v\n", k, p.Payload[k])
	}
	return b.String()
}
