// Package config loads the optional YAML configuration file for the shell.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors the .goo.yaml file.
type Config struct {
	Prefix string       `yaml:"prefix"`
	OnEOF  string       `yaml:"on_eof"` // "stop" or "halt"
	Worker WorkerConfig `yaml:"worker"`
}

// WorkerConfig seeds the evaluator worker template.
type WorkerConfig struct {
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	MaxOutputChars int            `yaml:"max_output_chars"`
	Script         string         `yaml:"script"`
	Globals        map[string]any `yaml:"globals"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Prefix: "session",
		OnEOF:  "stop",
		Worker: WorkerConfig{
			TimeoutSeconds: 120,
			MaxOutputChars: 2000,
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.OnEOF != "stop" && cfg.OnEOF != "halt" {
		return nil, fmt.Errorf("invalid on_eof %q in %s (want stop or halt)", cfg.OnEOF, path)
	}
	return cfg, nil
}
