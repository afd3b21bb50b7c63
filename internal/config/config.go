// Package config loads and validates the optional .crosscheck YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for server and runner configuration.
const (
	DefaultListenAddr = ":8080"
	DefaultScript     = "unit_test_validator.py"
	DefaultRunTimeout = 30 * time.Minute
	DefaultMaxOutput  = 1 << 20 // 1 MB
	DefaultRetainRuns = 32
)

// Config holds the parsed .crosscheck configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version       int    `yaml:"version"`
	ListenAddr    string `yaml:"listen_addr"`
	ScriptPath    string `yaml:"script"`      // path to the external validation script
	RunsDir       string `yaml:"runs_dir"`    // per-run working directories live here
	RawRunTimeout string `yaml:"run_timeout"` // e.g. "30m", "90s"
	RawMaxOutput  int    `yaml:"max_output"`  // bytes of captured child output
	RawRetainRuns int    `yaml:"retain_runs"` // finished runs kept in memory
}

// Addr returns the configured listen address or the default.
func (c *Config) Addr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return DefaultListenAddr
}

// Script returns the configured validation script path or the default.
func (c *Config) Script() string {
	if c.ScriptPath != "" {
		return c.ScriptPath
	}
	return DefaultScript
}

// RunTimeout returns the configured child-process timeout or the default.
// A run exceeding it is killed and reported as timed out.
func (c *Config) RunTimeout() time.Duration {
	if c.RawRunTimeout != "" {
		d, err := time.ParseDuration(c.RawRunTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultRunTimeout
}

// MaxOutputBytes returns the configured output cap or the default.
func (c *Config) MaxOutputBytes() int {
	if c.RawMaxOutput > 0 {
		return c.RawMaxOutput
	}
	return DefaultMaxOutput
}

// RetainRuns returns how many finished runs stay addressable, or the default.
func (c *Config) RetainRuns() int {
	if c.RawRetainRuns > 0 {
		return c.RawRetainRuns
	}
	return DefaultRetainRuns
}

// Load reads the .crosscheck file from dir and applies CROSSCHECK_*
// environment overrides. A missing file yields a default Config.
func Load(dir string) (*Config, error) {
	cfg := &Config{}

	path := filepath.Join(dir, ".crosscheck")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing .crosscheck: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading .crosscheck: %w", err)
	}

	applyEnv(cfg)

	if cfg.RunsDir == "" {
		cfg.RunsDir = filepath.Join(dir, "runs")
	}
	return cfg, nil
}

// applyEnv overrides file values with CROSSCHECK_* environment variables,
// so deployments can reconfigure without editing the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CROSSCHECK_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CROSSCHECK_SCRIPT"); v != "" {
		cfg.ScriptPath = v
	}
	if v := os.Getenv("CROSSCHECK_RUNS_DIR"); v != "" {
		cfg.RunsDir = v
	}
	if v := os.Getenv("CROSSCHECK_RUN_TIMEOUT"); v != "" {
		cfg.RawRunTimeout = v
	}
	if v := os.Getenv("CROSSCHECK_MAX_OUTPUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RawMaxOutput = n
		}
	}
	if v := os.Getenv("CROSSCHECK_RETAIN_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RawRetainRuns = n
		}
	}
}
