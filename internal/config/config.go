// Package config discovers and loads the viewer's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultFile = ".agentwatch/config.yaml"
	envVar      = "AGENTWATCH_CONFIG"
)

// ErrNotFound is returned by Discover when no config file exists.
var ErrNotFound = errors.New("no agentwatch config found")

// Config holds the viewer settings. Zero fields in a file keep their
// defaults.
type Config struct {
	Backend      string        `yaml:"backend"`
	PushURL      string        `yaml:"ws"` // empty derives it from Backend
	Refresh      time.Duration `yaml:"refresh"`
	GraphRefresh time.Duration `yaml:"graph_refresh"`
	Limit        int           `yaml:"limit"`
	Replay       string        `yaml:"replay"`
	LogFile      string        `yaml:"log"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	Agent        string        `yaml:"agent"`
	View         string        `yaml:"view"`

	// Policies seeds the policy view until the backend sends an update.
	// Each key becomes one policy.
	Policies map[string]any `yaml:"policies"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Backend:      "http://localhost:8000/api/v1",
		Refresh:      2 * time.Second,
		GraphRefresh: 3 * time.Second,
		Limit:        100,
		LogFile:      filepath.Join(os.TempDir(), "awv.log"),
		View:         "dashboard",
	}
}

// Discover finds the config file path.
// Priority: AGENTWATCH_CONFIG env var > .agentwatch/config.yaml in CWD > walk up parents.
func Discover() (string, error) {
	if env := os.Getenv(envVar); env != "" {
		if _, err := os.Stat(env); err == nil {
			return env, nil
		}
		return "", fmt.Errorf("%s=%q: %w", envVar, env, os.ErrNotExist)
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, defaultFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("%w (looked for %s)", ErrNotFound, defaultFile)
}

// Load reads the config at path over the defaults. An empty path is
// discovered; if nothing is found the defaults are returned with an empty
// source path.
func Load(path string) (Config, string, error) {
	cfg := Default()
	if path == "" {
		p, err := Discover()
		if errors.Is(err, ErrNotFound) {
			return cfg, "", nil
		}
		if err != nil {
			return cfg, "", err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, "", fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, "", fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, "", fmt.Errorf("%s: %w", path, err)
	}
	return cfg, path, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Refresh <= 0 {
		return fmt.Errorf("refresh must be positive, got %s", c.Refresh)
	}
	if c.GraphRefresh <= 0 {
		return fmt.Errorf("graph_refresh must be positive, got %s", c.GraphRefresh)
	}
	if c.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", c.Limit)
	}
	return nil
}
