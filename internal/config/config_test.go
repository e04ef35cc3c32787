package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Producer.Defaults.Unit != "kg" {
		t.Errorf("unit = %q", cfg.Producer.Defaults.Unit)
	}
	if cfg.Producer.Defaults.Currency != "COP" {
		t.Errorf("currency = %q", cfg.Producer.Defaults.Currency)
	}
	if cfg.Sync.MaxBatchSize <= 0 {
		t.Errorf("max_batch_size = %d", cfg.Sync.MaxBatchSize)
	}
}

func TestGenerateDefaultRoundTrip(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	if err != nil {
		t.Fatalf("generated template does not parse: %v", err)
	}
	if len(cfg.Sustainability.Metrics) == 0 {
		t.Fatal("expected default sustainability metrics")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty unit", func(c *Config) { c.Producer.Defaults.Unit = "" }},
		{"lowercase currency", func(c *Config) { c.Producer.Defaults.Currency = "cop" }},
		{"long currency", func(c *Config) { c.Producer.Defaults.Currency = "PESO" }},
		{"duplicate metric", func(c *Config) {
			c.Sustainability.Metrics = []string{"carbonSaved", "carbonSaved"}
		}},
		{"empty metric", func(c *Config) { c.Sustainability.Metrics = []string{" "} }},
		{"negative batch size", func(c *Config) { c.Sync.MaxBatchSize = -1 }},
		{"webhook without url", func(c *Config) {
			c.Webhooks = []WebhookConfig{{Secret: "s"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Producer.Defaults.Unit != "kg" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadFromWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	yml := `
producer:
  defaults:
    unit: lb
    currency: USD
sync:
  max_batch_size: 10
`
	if err := os.WriteFile(filepath.Join(dir, "lotline.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Producer.Defaults.Unit != "lb" || cfg.Producer.Defaults.Currency != "USD" {
		t.Fatalf("unexpected config %+v", cfg.Producer.Defaults)
	}
	if cfg.Sync.MaxBatchSize != 10 {
		t.Fatalf("max_batch_size = %d", cfg.Sync.MaxBatchSize)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for missing lotline.yml")
	}
}
