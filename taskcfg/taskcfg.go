// Package taskcfg loads the layered execution configuration for scheduled
// assistant tasks: a base config, optional per-lane overlays, and optional
// per-profile overrides, all TOML files under <home>/.otto/tasks/.
package taskcfg

import (
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/otto/errors"
)

// Overlay is a partial configuration layer. Empty fields leave the lower
// layer's value in place.
type Overlay struct {
	SystemPrompt string   `toml:"system_prompt"`
	AllowedTools []string `toml:"allowed_tools"`
	Agent        string   `toml:"agent"`
}

// Base is the root execution configuration with per-lane overlays
type Base struct {
	Overlay
	Lanes map[string]Overlay `toml:"lanes"`
}

// Profile is a named override layer applied on top of base and lane
type Profile struct {
	Overlay
}

// Effective is the fully resolved configuration for one task execution
type Effective struct {
	SystemPrompt string
	AllowedTools []string
	Agent        string
}

// LoadBase reads <home>/.otto/tasks/base.toml. A missing file is valid and
// yields an empty base.
func LoadBase(home string) (*Base, error) {
	path := filepath.Join(home, ".otto", "tasks", "base.toml")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Base{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read base task config %s", path)
	}

	var base Base
	if err := toml.Unmarshal(data, &base); err != nil {
		return nil, errors.Wrapf(err, "failed to parse base task config %s", path)
	}
	return &base, nil
}

// LoadProfile reads <home>/.otto/tasks/profiles/<profileID>.toml. Unlike the
// base, a referenced profile must exist: a job naming a missing profile is a
// configuration error.
func LoadProfile(home, profileID string) (*Profile, error) {
	if profileID == "" {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "empty profile id")
	}
	path := filepath.Join(home, ".otto", "tasks", "profiles", profileID+".toml")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(errors.ErrNotFound, "task profile %s not found at %s", profileID, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read task profile %s", path)
	}

	var profile Profile
	if err := toml.Unmarshal(data, &profile); err != nil {
		return nil, errors.Wrapf(err, "failed to parse task profile %s", path)
	}
	return &profile, nil
}

// BuildEffective resolves the final configuration: base, then the lane's
// overlay, then the profile. Later layers win field by field; a nil profile
// skips that layer.
func BuildEffective(base *Base, lane string, profile *Profile) Effective {
	effective := Effective{
		SystemPrompt: base.SystemPrompt,
		AllowedTools: base.AllowedTools,
		Agent:        base.Agent,
	}

	if lane != "" {
		if overlay, ok := base.Lanes[lane]; ok {
			applyOverlay(&effective, overlay)
		}
	}
	if profile != nil {
		applyOverlay(&effective, profile.Overlay)
	}
	return effective
}

func applyOverlay(effective *Effective, overlay Overlay) {
	if overlay.SystemPrompt != "" {
		effective.SystemPrompt = overlay.SystemPrompt
	}
	if overlay.AllowedTools != nil {
		effective.AllowedTools = overlay.AllowedTools
	}
	if overlay.Agent != "" {
		effective.Agent = overlay.Agent
	}
}
