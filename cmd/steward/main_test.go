package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withFakeServer(t *testing.T) *int {
	t.Helper()
	calls := 0
	orig := startServer
	startServer = func(stderr io.Writer) int {
		calls++
		return 0
	}
	t.Cleanup(func() { startServer = orig })
	return &calls
}

func TestRun_DefaultsToServer(t *testing.T) {
	calls := withFakeServer(t)
	code := Run([]string{"steward"}, io.Discard, io.Discard)
	assert.Equal(t, 0, code)
	assert.Equal(t, 1, *calls)
}

func TestRun_ServerAliases(t *testing.T) {
	calls := withFakeServer(t)
	for _, arg := range []string{"server", "serve", "--port=9090"} {
		code := Run([]string{"steward", arg}, io.Discard, io.Discard)
		assert.Equal(t, 0, code, arg)
	}
	assert.Equal(t, 3, *calls)
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	code := Run([]string{"steward", "help"}, &out, io.Discard)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "supervised automation lifecycle")
	assert.Contains(t, out.String(), "approve")
}

func TestRun_UnknownCommand(t *testing.T) {
	var errOut bytes.Buffer
	code := Run([]string{"steward", "bogus"}, io.Discard, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "Unknown command: bogus")
}

func TestRun_CycleRefusesExecuteWithoutConfirm(t *testing.T) {
	t.Setenv("SQLITE_PATH", t.TempDir()+"/plans.db")
	t.Setenv("AUDIT_SQLITE_PATH", t.TempDir()+"/audit.db")
	t.Setenv("RENDER_DIR", t.TempDir())

	var errOut bytes.Buffer
	code := Run([]string{"steward", "cycle", "--mode=execute"}, io.Discard, &errOut)
	assert.Equal(t, 2, code)
	assert.True(t, strings.Contains(errOut.String(), "confirm"), errOut.String())
}

func TestRun_ApproveNeedsSigningKey(t *testing.T) {
	t.Setenv("SQLITE_PATH", t.TempDir()+"/plans.db")
	t.Setenv("AUDIT_SQLITE_PATH", t.TempDir()+"/audit.db")
	t.Setenv("APPROVAL_SIGNING_KEY", "")

	var errOut bytes.Buffer
	code := Run([]string{"steward", "approve", "some-plan", "--as=alice"}, io.Discard, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "APPROVAL_SIGNING_KEY")
}
