// Package config loads the relay server configuration from YAML, the
// environment and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	Listen          string          `yaml:"listen"`
	WebSocket       WebSocketConfig `yaml:"websocket"`
	Framing         string          `yaml:"framing"`
	ReadBufferSize  int             `yaml:"read_buffer_size"`
	MaxFrameSize    int             `yaml:"max_frame_size"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	StatusInterval  time.Duration   `yaml:"status_interval"`
	Log             LogConfig       `yaml:"log"`
}

// WebSocketConfig controls WebSocket upgrades on the listening port.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadAndValidate loads path (or starts from an empty config when path is
// empty), applies KEYRELAY_* overrides and defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from KEYRELAY_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("KEYRELAY_LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := lookup("KEYRELAY_FRAMING"); ok {
		c.Framing = v
	}
	if v, ok := lookup("KEYRELAY_WEBSOCKET"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("KEYRELAY_WEBSOCKET: %w", err)
		}
		c.WebSocket.Enabled = enabled
	}
	if v, ok := lookup("KEYRELAY_WRITE_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("KEYRELAY_WRITE_TIMEOUT: %w", err)
		}
		c.WriteTimeout = d
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("KEYRELAY_LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	return nil
}
