package dispatch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/steward-sh/steward/pkg/plan"
)

// PayloadValidator checks a plan's payload against the JSON Schema
// registered for its channel before any executor sees it. Channels
// without a schema pass validation.
type PayloadValidator struct {
	schemas map[plan.Channel]*jsonschema.Schema
}

// NewPayloadValidator compiles the given per-channel schemas.
func NewPayloadValidator(schemaJSON map[plan.Channel]string) (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[plan.Channel]*jsonschema.Schema, len(schemaJSON))}
	for channel, src := range schemaJSON {
		compiler := jsonschema.NewCompiler()
		url := fmt.Sprintf("steward://schemas/%s.json", channel)
		if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema for channel %s: %w", channel, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for channel %s: %w", channel, err)
		}
		v.schemas[channel] = schema
	}
	return v, nil
}

// LoadSchemaDir builds a validator from <dir>/<channel>.json files.
// A missing directory yields a validator with no schemas.
func LoadSchemaDir(dir string) (*PayloadValidator, error) {
	schemas := make(map[plan.Channel]string)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return NewPayloadValidator(schemas)
		}
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		channel := plan.Channel(strings.TrimSuffix(name, ".json"))
		schemas[channel] = string(data)
	}
	return NewPayloadValidator(schemas)
}

// Validate checks the payload against the channel schema.
func (v *PayloadValidator) Validate(channel plan.Channel, payload map[string]any) error {
	schema, ok := v.schemas[channel]
	if !ok {
		return nil
	}
	// jsonschema validates generic values; a nil map must still be an
	// object for schemas that require properties.
	doc := any(payload)
	if payload == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload for channel %s: %w", channel, err)
	}
	return nil
}
