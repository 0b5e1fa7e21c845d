package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/pkg/config"
)

func testEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "plans.db"))
	t.Setenv("AUDIT_SQLITE_PATH", filepath.Join(dir, "audit.db"))
	t.Setenv("RENDER_DIR", filepath.Join(dir, "plans"))
	t.Setenv("SCHEMA_DIR", filepath.Join(dir, "schemas"))
}

func TestNewApp_ProfileWatchersBecomeRunners(t *testing.T) {
	testEnv(t)
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(`
name: site
watchers:
  - name: inbox
    argv: ["/bin/true"]
units:
  - name: backup
    argv: ["/bin/true"]
`), 0o644))
	t.Setenv("CYCLE_PROFILE", profile)

	a, err := newApp(config.Load())
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, a.runners, 1)
	assert.Equal(t, "watch_inbox", a.runners[0].Name())
	assert.Equal(t, "inbox", a.runners[0].Liveness().Name)
}

func TestNewApp_NoKeyMeansNoGate(t *testing.T) {
	testEnv(t)
	t.Setenv("APPROVAL_SIGNING_KEY", "")

	a, err := newApp(config.Load())
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.gate)
	assert.Empty(t, a.runners)
}
