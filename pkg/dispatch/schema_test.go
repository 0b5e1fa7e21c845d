package dispatch_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steward-sh/steward/pkg/dispatch"
	"github.com/steward-sh/steward/pkg/plan"
)

const mailSchema = `{
	"type": "object",
	"required": ["to"],
	"properties": {
		"to": {"type": "string", "format": "email"},
		"subject": {"type": "string", "maxLength": 200}
	}
}`

func TestPayloadValidator(t *testing.T) {
	v, err := dispatch.NewPayloadValidator(map[plan.Channel]string{
		plan.ChannelMail: mailSchema,
	})
	require.NoError(t, err)

	assert.NoError(t, v.Validate(plan.ChannelMail, map[string]any{"to": "ops@example.com"}))
	assert.Error(t, v.Validate(plan.ChannelMail, map[string]any{"subject": "no recipient"}))
	assert.Error(t, v.Validate(plan.ChannelMail, nil), "nil payload still violates required properties")
	assert.NoError(t, v.Validate(plan.ChannelChat, map[string]any{"anything": true}),
		"channels without a schema pass")
}

func TestNewPayloadValidator_BadSchema(t *testing.T) {
	_, err := dispatch.NewPayloadValidator(map[plan.Channel]string{
		plan.ChannelMail: `{"type": 42}`,
	})
	assert.Error(t, err)
}

func TestLoadSchemaDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mail.json"), []byte(mailSchema), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	v, err := dispatch.LoadSchemaDir(dir)
	require.NoError(t, err)
	assert.Error(t, v.Validate(plan.ChannelMail, map[string]any{}))
	assert.NoError(t, v.Validate(plan.ChannelForum, map[string]any{}))
}

func TestLoadSchemaDir_Missing(t *testing.T) {
	v, err := dispatch.LoadSchemaDir(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.NoError(t, v.Validate(plan.ChannelMail, map[string]any{}))
}
