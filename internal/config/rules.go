package config

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/renfold/gistsync/internal/snapshot"
)

// Rules selects which sections sync and which keys are held back.
type Rules struct {
	// DataTypes lists the sections to sync. Empty means all.
	DataTypes []string `yaml:"dataTypes"`

	// ExcludeKeys holds path.Match patterns; page cache and chat history
	// keys matching any pattern never leave the device.
	ExcludeKeys []string `yaml:"excludeKeys"`
}

var validDataTypes = map[string]struct{}{
	snapshot.DataTypeConfig:      {},
	snapshot.DataTypePageCache:   {},
	snapshot.DataTypeChatHistory: {},
}

// LoadRules reads a YAML rules file. An empty path returns permissive
// defaults.
func LoadRules(rulesPath string) (Rules, error) {
	if rulesPath == "" {
		return Rules{}, nil
	}

	data, err := os.ReadFile(rulesPath)
	if err != nil {
		return Rules{}, fmt.Errorf("reading sync rules: %w", err)
	}

	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("parsing sync rules: %w", err)
	}

	for _, dt := range rules.DataTypes {
		if _, ok := validDataTypes[dt]; !ok {
			return Rules{}, fmt.Errorf("parsing sync rules: unknown data type %q", dt)
		}
	}
	for _, pattern := range rules.ExcludeKeys {
		if _, err := path.Match(pattern, ""); err != nil {
			return Rules{}, fmt.Errorf("parsing sync rules: bad pattern %q: %w", pattern, err)
		}
	}

	return rules, nil
}

// EffectiveDataTypes resolves the section list, nil meaning all.
func (r Rules) EffectiveDataTypes() []string {
	if len(r.DataTypes) == 0 {
		return nil
	}
	return append([]string(nil), r.DataTypes...)
}

// Excluded reports whether a key matches any exclusion pattern.
func (r Rules) Excluded(key string) bool {
	for _, pattern := range r.ExcludeKeys {
		if ok, _ := path.Match(pattern, key); ok {
			return true
		}
	}
	return false
}
