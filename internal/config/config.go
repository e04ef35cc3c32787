package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models lotline.yml.
type Config struct {
	Producer struct {
		Defaults struct {
			Unit     string `yaml:"unit"`
			Currency string `yaml:"currency"`
		} `yaml:"defaults"`
	} `yaml:"producer"`
	Sustainability struct {
		Metrics []string `yaml:"metrics"`
	} `yaml:"sustainability"`
	Sync struct {
		MaxBatchSize int `yaml:"max_batch_size"`
	} `yaml:"sync"`
	Server struct {
		JWTSecret           string `yaml:"jwt_secret"`
		AllowProducerHeader bool   `yaml:"allow_producer_header"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
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
	if strings.TrimSpace(c.Producer.Defaults.Unit) == "" {
		return fmt.Errorf("config.producer.defaults.unit is required")
	}
	cur := c.Producer.Defaults.Currency
	if len(cur) != 3 || strings.ToUpper(cur) != cur {
		return fmt.Errorf("config.producer.defaults.currency must be a 3-letter uppercase code")
	}
	seen := make(map[string]bool, len(c.Sustainability.Metrics))
	for _, m := range c.Sustainability.Metrics {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("config.sustainability.metrics contains an empty name")
		}
		if seen[m] {
			return fmt.Errorf("config.sustainability.metrics contains duplicate %s", m)
		}
		seen[m] = true
	}
	if c.Sync.MaxBatchSize < 0 {
		return fmt.Errorf("config.sync.max_batch_size must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
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
	return filepath.Join(workspace, "lotline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `producer:
  defaults:
    unit: kg
    currency: COP

sustainability:
  metrics:
    - carbonSaved
    - waterSaved
    - emissionsReduced

sync:
  max_batch_size: 100
`
