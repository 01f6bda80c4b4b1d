package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models helix.yml, the client-side settings file.
type Config struct {
	Server struct {
		BaseURL string `yaml:"base_url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"server"`
	Poll struct {
		Interval string `yaml:"interval"`
	} `yaml:"poll"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "helix.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with hx init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.server.base_url must be an absolute URL, got %q", c.Server.BaseURL)
	}
	if _, err := time.ParseDuration(c.Server.Timeout); err != nil {
		return fmt.Errorf("config.server.timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Poll.Interval); err != nil {
		return fmt.Errorf("config.poll.interval: %w", err)
	}
	return nil
}

// Timeout returns the per-request timeout.
func (c *Config) Timeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.Timeout)
	return d
}

// PollInterval returns the list-refresh polling interval.
func (c *Config) PollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Poll.Interval)
	return d
}

// Default returns the default configuration.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = "http://127.0.0.1:8000/api"
	}
	if cfg.Server.Timeout == "" {
		cfg.Server.Timeout = "10s"
	}
	if cfg.Poll.Interval == "" {
		cfg.Poll.Interval = "30s"
	}
}

// GenerateDefault returns the default config YAML for hx init.
func GenerateDefault() string {
	return `server:
  base_url: http://127.0.0.1:8000/api
  timeout: 10s

poll:
  interval: 30s
`
}
