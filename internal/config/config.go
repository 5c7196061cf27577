package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models eventline.yml.
type Config struct {
	Marketplace struct {
		Name     string `yaml:"name"`
		Currency string `yaml:"currency"`
	} `yaml:"marketplace"`
	Payment struct {
		Provider    string `yaml:"provider"`
		Environment string `yaml:"environment"`
	} `yaml:"payment"`
	Poller struct {
		IntervalMS  int `yaml:"interval_ms"`
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"poller"`
	Auth struct {
		AllowDevHeader bool `yaml:"allow_dev_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound delivery target for audit log
// entries (participant joins, refund flags, ...).
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// PollInterval returns the reconciliation poll interval.
func (c *Config) PollInterval() time.Duration {
	if c.Poller.IntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Poller.IntervalMS) * time.Millisecond
}

// PollAttempts returns the bounded number of reconciliation polls.
func (c *Config) PollAttempts() int {
	if c.Poller.MaxAttempts <= 0 {
		return 12
	}
	return c.Poller.MaxAttempts
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with evl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.Name == "" {
		return fmt.Errorf("config.marketplace.name is required")
	}
	if c.Payment.Provider != "midtrans" {
		return fmt.Errorf("config.payment.provider must be 'midtrans'")
	}
	switch c.Payment.Environment {
	case "sandbox", "production":
	default:
		return fmt.Errorf("config.payment.environment must be 'sandbox' or 'production'")
	}
	if c.Poller.IntervalMS < 0 {
		return fmt.Errorf("config.poller.interval_ms must not be negative")
	}
	if c.Poller.MaxAttempts < 0 {
		return fmt.Errorf("config.poller.max_attempts must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "eventline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, "eventline")), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `marketplace:
  name: %s
  currency: IDR

payment:
  provider: midtrans
  environment: sandbox

poller:
  interval_ms: 500
  max_attempts: 12

auth:
  allow_dev_header: false

webhooks: []
`
