package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// MAINTFLOW_ORCHESTRATOR_SLA=30s.
const EnvPrefix = "maintflow"

// Load builds the configuration: defaults, then the optional file,
// then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFile merges a YAML or JSON file into cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv overlays MAINTFLOW_* environment variables section by
// section, so MAINTFLOW_BUS_MAX_ATTEMPTS=5 overrides bus.max_attempts.
func applyEnv(cfg *Config) error {
	sections := []struct {
		name   string
		target any
	}{
		{"bus", &cfg.Bus},
		{"orchestrator", &cfg.Orchestrator},
		{"detection", &cfg.Detection},
		{"validation", &cfg.Validation},
		{"model", &cfg.Model},
		{"notify", &cfg.Notify},
		{"store", &cfg.Store},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.name, s.target); err != nil {
			return fmt.Errorf("environment overrides for %s: %w", s.name, err)
		}
	}
	return nil
}
