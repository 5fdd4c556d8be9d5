package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Notify modes for the queue broadcaster.
const (
	NotifyPoll = "poll"
	NotifyPush = "push"
)

// Duration is a time.Duration that unmarshals from YAML strings like "2s" or
// "500ms", which the yaml package does not do for time.Duration itself.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config models overseer.yml plus the runtime knobs taken from flags/env.
type Config struct {
	ExecutorBaseURL string `yaml:"executor_base_url"`
	Token           string `yaml:"token"`
	StateDir        string `yaml:"state_dir"`

	Serve struct {
		Addr         string   `yaml:"addr"`
		PollInterval Duration `yaml:"poll_interval"`
		Notify       string   `yaml:"notify"`
	} `yaml:"serve"`

	// HeartbeatInterval is the pause between dispatched commands when a task
	// runs with heartbeats enabled.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.ExecutorBaseURL = "http://127.0.0.1:8080"
	cfg.StateDir = defaultStateDir()
	cfg.Serve.Addr = "127.0.0.1:9090"
	cfg.Serve.PollInterval = Duration(2 * time.Second)
	cfg.Serve.Notify = NotifyPoll
	cfg.HeartbeatInterval = Duration(60 * time.Second)
	return &cfg
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".overseer")
	}
	return filepath.Join(home, ".local", "share", "overseer")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.ExecutorBaseURL == "" {
		return fmt.Errorf("config.executor_base_url is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("config.state_dir is required")
	}
	if c.Serve.PollInterval <= 0 {
		return fmt.Errorf("config.serve.poll_interval must be positive")
	}
	switch c.Serve.Notify {
	case NotifyPoll, NotifyPush:
	default:
		return fmt.Errorf("config.serve.notify must be %q or %q", NotifyPoll, NotifyPush)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "overseer.yml")
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}
