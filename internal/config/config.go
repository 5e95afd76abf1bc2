// Package config reads and writes the project configuration file at .ralphy/config.yaml:
// project metadata, verification commands, durable rules, and file boundaries.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Project describes the repository this config governs.
type Project struct {
	Name        string `yaml:"name,omitempty"`
	Language    string `yaml:"language,omitempty"`
	Framework   string `yaml:"framework,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Commands holds the project's verification command lines, run as written through a shell.
type Commands struct {
	Test  string `yaml:"test,omitempty"`
	Lint  string `yaml:"lint,omitempty"`
	Build string `yaml:"build,omitempty"`
}

// Boundaries lists paths the agent must never modify.
type Boundaries struct {
	NeverTouch []string `yaml:"never_touch,omitempty"`
}

// Config is the full contents of .ralphy/config.yaml.
type Config struct {
	Project    Project    `yaml:"project"`
	Commands   Commands   `yaml:"commands"`
	Rules      []string   `yaml:"rules"`
	Boundaries Boundaries `yaml:"boundaries"`
}

// Default returns an empty Config with no project detection applied.
func Default() *Config {
	return &Config{}
}

// Load reads and parses the config file at path. A missing file is not an error: it
// returns Default(), since a project need not have run --init yet.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML, overwriting any existing content.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// AddRule appends rule to the config at path and rewrites the file, round-tripping every
// other field untouched. Shared by the --add-rule CLI flag and the POST /v1/config/rules
// route (§10.4).
func AddRule(path, rule string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	cfg.Rules = append(cfg.Rules, rule)
	return Save(path, cfg)
}
