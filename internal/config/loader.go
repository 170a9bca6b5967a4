// Package config loads the daemon's runtime parameters from a file, in
// whichever of TOML/YAML/JSON the operator prefers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr           string `json:"addr" yaml:"addr" toml:"addr"`
	RegistryFile   string `json:"registry_file" yaml:"registry_file" toml:"registry_file"`
	SubprocessHost string `json:"subprocess_host" yaml:"subprocess_host" toml:"subprocess_host"`

	MaxBackendInitAttempts   int `json:"max_backend_init_attempts" yaml:"max_backend_init_attempts" toml:"max_backend_init_attempts"`
	MaxTimeoutMinutes        int `json:"max_timeout_minutes" yaml:"max_timeout_minutes" toml:"max_timeout_minutes"`
	PerRequestTimeoutMinutes int `json:"per_request_timeout_minutes" yaml:"per_request_timeout_minutes" toml:"per_request_timeout_minutes"`

	// FailIndividualOnStagnation switches the stagnation safety net from
	// "fail every open request" (the default) to failing only requests
	// whose own deadline has passed.
	FailIndividualOnStagnation bool `json:"fail_individual_on_stagnation" yaml:"fail_individual_on_stagnation" toml:"fail_individual_on_stagnation"`

	// MaxRequestsForcedOrder is accepted and persisted for operator
	// familiarity but not enforced by the scheduler (see DESIGN.md). An
	// admin who needs strict FIFO should front GetNextBackend with their
	// own ordered queue.
	MaxRequestsForcedOrder int `json:"max_requests_forced_order" yaml:"max_requests_forced_order" toml:"max_requests_forced_order"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// WithDefaults fills zero-valued fields with the daemon's defaults.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RegistryFile == "" {
		c.RegistryFile = "backends.toml"
	}
	if c.SubprocessHost == "" {
		c.SubprocessHost = "127.0.0.1"
	}
	if c.MaxBackendInitAttempts <= 0 {
		c.MaxBackendInitAttempts = 5
	}
	if c.MaxTimeoutMinutes <= 0 {
		c.MaxTimeoutMinutes = 10
	}
	if c.PerRequestTimeoutMinutes <= 0 {
		c.PerRequestTimeoutMinutes = 5
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}
