package agent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigPath is where the agent expects to find its YAML configuration.
	ConfigPath = "/etc/fleet/agent.yaml"

	defaultStateDir    = "/var/lib/fleet"
	defaultHookTimeout = 5 * time.Minute
)

// Config is the on-disk agent configuration.
type Config struct {
	// Server is the websocket URL of the fleetd agent channel.
	Server   string `yaml:"server"`
	Hostname string `yaml:"hostname,omitempty"`

	StateDir   string `yaml:"state_dir,omitempty"`
	StoreDir   string `yaml:"store_dir,omitempty"`
	ProfileDir string `yaml:"profile_dir,omitempty"`
	// Capacity bounds the bytes held in the local store. Zero is unbounded.
	Capacity int64 `yaml:"capacity_bytes,omitempty"`

	// Hook is run with the store path of the artifact being activated
	// appended as its last argument.
	Hook        []string      `yaml:"hook,omitempty"`
	HookTimeout time.Duration `yaml:"hook_timeout,omitempty"`

	LogLevel  string `yaml:"log_level,omitempty"`
	LogPretty bool   `yaml:"log_pretty,omitempty"`
}

// LoadConfig reads path and applies defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = defaultStateDir
	}
	if c.StoreDir == "" {
		c.StoreDir = filepath.Join(c.StateDir, "store")
	}
	if c.ProfileDir == "" {
		c.ProfileDir = filepath.Join(c.StateDir, "profiles")
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = defaultHookTimeout
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
}

// Validate checks the fields the runtime cannot default.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return errors.New("config missing server field")
	}
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("server url must use ws or wss, got %q", u.Scheme)
	}
	if c.Capacity < 0 {
		return errors.New("capacity_bytes must not be negative")
	}
	return nil
}
