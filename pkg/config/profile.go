package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadProfile loads a named YAML profile over the defaults and validates the
// result. Profiles live as profile_<name>.yaml in the profiles directory.
func LoadProfile(profilesDir, name string) (Config, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: load profile %q: %w", name, err)
	}
	return parseProfile(name, data)
}

// LoadFile loads one explicit YAML file over the defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %q: %w", path, err)
	}
	return parseProfile(path, data)
}

func parseProfile(name string, data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse profile %q: %w", name, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: profile %q: %w", name, err)
	}
	return cfg, nil
}
