// Package config loads the daemon configuration from remedyd.yaml.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maftabmirza/remediation-engine-sub000/internal/transport"
)

// ApprovalConfig controls the human approval gate.
type ApprovalConfig struct {
	// TTL is how long an approval request stays open before expiring.
	TTL string `yaml:"ttl"`
	// SweepInterval is how often expired requests are collected.
	SweepInterval string `yaml:"sweep_interval"`
}

// BreakerConfig controls circuit breaker open durations.
type BreakerConfig struct {
	OpenDuration    string  `yaml:"open_duration"`
	BackoffFactor   float64 `yaml:"backoff_factor"`
	MaxOpenDuration string  `yaml:"max_open_duration"`
}

// Config is the top-level daemon configuration parsed from remedyd.yaml.
type Config struct {
	Listen      string `yaml:"listen"`
	DataDir     string `yaml:"data_dir"`
	RunbooksDir string `yaml:"runbooks_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text or json

	// Workers is the size of the execution worker pool.
	Workers int `yaml:"workers"`

	Approval ApprovalConfig `yaml:"approval"`
	Breaker  BreakerConfig  `yaml:"breaker"`

	// Targets maps the names runbook steps reference to connection details.
	Targets map[string]transport.Target `yaml:"targets"`
}

func applyDefaults(c *Config) {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandPath(c.DataDir)
	if c.RunbooksDir == "" {
		c.RunbooksDir = defaultRunbooksDir()
	}
	c.RunbooksDir = expandPath(c.RunbooksDir)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Approval.TTL == "" {
		c.Approval.TTL = "1h"
	}
	if c.Approval.SweepInterval == "" {
		c.Approval.SweepInterval = "30s"
	}
	if c.Breaker.OpenDuration == "" {
		c.Breaker.OpenDuration = "5m"
	}
	if c.Breaker.BackoffFactor <= 0 {
		c.Breaker.BackoffFactor = 2.0
	}
	if c.Breaker.MaxOpenDuration == "" {
		c.Breaker.MaxOpenDuration = "1h"
	}
}

func defaultRunbooksDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "./runbooks"
	}
	return filepath.Join(home, ".config", "remedyd", "runbooks")
}

func expandPath(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}

	v = os.ExpandEnv(v)

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v
	}

	if v == "~" {
		return home
	}
	if strings.HasPrefix(v, "~/") {
		return filepath.Join(home, v[2:])
	}
	return v
}

// Duration parses a duration field, falling back to def on error.
func Duration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// LoadConfig reads a YAML configuration file from path and returns
// a Config with defaults applied for any unset fields. A missing file
// yields the pure defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			applyDefaults(cfg)
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}
