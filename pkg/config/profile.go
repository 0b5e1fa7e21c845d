package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// profileSchemaVersion is the schema this binary understands. Profiles
// declaring a higher min_schema are refused rather than half-applied.
const profileSchemaVersion = "1.2.0"

// Duration is a time.Duration that unmarshals from yaml strings like
// "90s" or "2m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// CycleProfile declares a site's cycle unit roster and timing.
type CycleProfile struct {
	Name      string `yaml:"name" json:"name"`
	MinSchema string `yaml:"min_schema" json:"min_schema"`

	// UnitTimeout overrides the per-unit budget for this profile.
	UnitTimeout Duration `yaml:"unit_timeout,omitempty" json:"unit_timeout,omitempty"`

	// Watchers lists subprocess watchers run ahead of the built-in
	// sequence; each polls an external surface for proposals.
	Watchers []ProfileWatcher `yaml:"watchers,omitempty" json:"watchers,omitempty"`

	// Units lists optional operator-defined command units appended after
	// the built-in sequence.
	Units []ProfileUnit `yaml:"units" json:"units"`
}

// ProfileUnit is one operator-defined command step.
type ProfileUnit struct {
	Name string   `yaml:"name" json:"name"`
	Argv []string `yaml:"argv" json:"argv"`
}

// ProfileWatcher is one operator-defined subprocess watcher.
type ProfileWatcher struct {
	Name string   `yaml:"name" json:"name"`
	Argv []string `yaml:"argv" json:"argv"`
}

// LoadCycleProfile reads and validates a profile file.
func LoadCycleProfile(path string) (*CycleProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cycle profile: %w", err)
	}

	var profile CycleProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse cycle profile %s: %w", path, err)
	}
	if err := profile.validate(); err != nil {
		return nil, fmt.Errorf("cycle profile %s: %w", path, err)
	}
	return &profile, nil
}

func (p *CycleProfile) validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.MinSchema != "" {
		min, err := semver.NewVersion(p.MinSchema)
		if err != nil {
			return fmt.Errorf("invalid min_schema %q: %w", p.MinSchema, err)
		}
		current := semver.MustParse(profileSchemaVersion)
		if min.GreaterThan(current) {
			return fmt.Errorf("profile requires schema %s, this build supports %s", p.MinSchema, profileSchemaVersion)
		}
	}
	for i, w := range p.Watchers {
		if w.Name == "" {
			return fmt.Errorf("watchers[%d]: name is required", i)
		}
		if len(w.Argv) == 0 {
			return fmt.Errorf("watcher %s: argv is empty", w.Name)
		}
	}
	for i, u := range p.Units {
		if u.Name == "" {
			return fmt.Errorf("units[%d]: name is required", i)
		}
		if len(u.Argv) == 0 {
			return fmt.Errorf("unit %s: argv is empty", u.Name)
		}
	}
	return nil
}
