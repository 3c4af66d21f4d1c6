package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/cordum/policyhub/core/policy"
	"gopkg.in/yaml.v3"
)

// Settings is the static settings file.
type Settings struct {
	AllowedActions []string `yaml:"allowed_actions"`
}

// DefaultSettings allows every known lifecycle action type.
func DefaultSettings() *Settings {
	return &Settings{AllowedActions: append([]string(nil), policy.KnownActionTypes...)}
}

// ParseSettings validates data against the embedded schema and decodes it.
// Empty data or an absent allowed_actions key yields the defaults.
func ParseSettings(data []byte) (*Settings, error) {
	if len(data) == 0 {
		return DefaultSettings(), nil
	}
	if err := validateConfigSchema("settings", settingsSchemaFile, data); err != nil {
		return nil, err
	}
	var raw struct {
		AllowedActions *[]string `yaml:"allowed_actions"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if raw.AllowedActions == nil {
		return DefaultSettings(), nil
	}
	return &Settings{AllowedActions: *raw.AllowedActions}, nil
}

// LoadSettings reads the settings file at path. A missing file is not an error.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		return DefaultSettings(), nil
	}
	// #nosec G304 -- settings path is operator-provided.
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	cfg, err := ParseSettings(data)
	if err != nil {
		return nil, fmt.Errorf("load settings %s: %w", path, err)
	}
	return cfg, nil
}

// InitialAllowedActions resolves the startup allow-list: the env override wins
// over the settings file.
func (c *Config) InitialAllowedActions() ([]string, error) {
	if len(c.AllowedActions) > 0 {
		return append([]string(nil), c.AllowedActions...), nil
	}
	s, err := LoadSettings(c.SettingsPath)
	if err != nil {
		return nil, err
	}
	return s.AllowedActions, nil
}
