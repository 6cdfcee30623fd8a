// Package config loads client configuration from a YAML file or from the
// environment. It only produces plain settings; wiring them into a client
// happens through the retouch Options.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is the production editor endpoint.
const DefaultBaseURL = "https://api.retouch.example/editor"

// Config carries the user-tunable client settings.
type Config struct {
	// Credentials is an RTAPI- key or a user:password pair.
	Credentials string `yaml:"credentials"`
	// BaseURL overrides the service endpoint.
	BaseURL string `yaml:"base_url"`
	// Priority is the scheduling class for skill invocations
	// (low/standard/high).
	Priority string `yaml:"priority"`
	// DefaultTimeout bounds each wait for skill completion.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// UserAgent overrides the request user agent.
	UserAgent string `yaml:"user_agent"`

	Log LogConfig `yaml:"log"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// UnmarshalYAML accepts Go duration strings ("90s", "2m") for
// default_timeout and overlays only the keys present in the document,
// leaving absent ones at their current values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Credentials    string    `yaml:"credentials"`
		BaseURL        string    `yaml:"base_url"`
		Priority       string    `yaml:"priority"`
		DefaultTimeout string    `yaml:"default_timeout"`
		UserAgent      string    `yaml:"user_agent"`
		Log            LogConfig `yaml:"log"`
	}{
		Credentials: c.Credentials,
		BaseURL:     c.BaseURL,
		Priority:    c.Priority,
		UserAgent:   c.UserAgent,
		Log:         c.Log,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Credentials = raw.Credentials
	c.BaseURL = raw.BaseURL
	c.Priority = raw.Priority
	c.UserAgent = raw.UserAgent
	c.Log = raw.Log
	if raw.DefaultTimeout != "" {
		d, err := time.ParseDuration(raw.DefaultTimeout)
		if err != nil {
			return fmt.Errorf("default_timeout: %w", err)
		}
		c.DefaultTimeout = d
	}
	return nil
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		BaseURL:        DefaultBaseURL,
		Priority:       "standard",
		DefaultTimeout: 60 * time.Second,
		Log:            LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv overlays RETOUCH_* environment variables on the defaults:
// RETOUCH_CREDENTIALS, RETOUCH_BASE_URL, RETOUCH_PRIORITY and
// RETOUCH_TIMEOUT (a Go duration string).
func FromEnv() *Config {
	cfg := Default()
	if v := os.Getenv("RETOUCH_CREDENTIALS"); v != "" {
		cfg.Credentials = v
	}
	if v := os.Getenv("RETOUCH_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("RETOUCH_PRIORITY"); v != "" {
		cfg.Priority = v
	}
	if v := os.Getenv("RETOUCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultTimeout = d
		}
	}
	return cfg
}
