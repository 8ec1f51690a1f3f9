package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	path := filepath.Join("testdata", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Name != "momentumbot-test" {
		t.Fatalf("unexpected App.Name: %s", cfg.App.Name)
	}
	if cfg.Exchange.Asset != "BTC-USDT" {
		t.Fatalf("unexpected asset: %s", cfg.Exchange.Asset)
	}
	if cfg.Exchange.BaseAsset() != "BTC" || cfg.Exchange.QuoteAsset() != "USDT" {
		t.Fatalf("asset split broken: %s / %s", cfg.Exchange.BaseAsset(), cfg.Exchange.QuoteAsset())
	}
	if cfg.Exchange.Timeout() != 10*time.Second {
		t.Fatalf("unexpected timeout: %s", cfg.Exchange.Timeout())
	}
	if cfg.Exchange.MaxRetries != 5 {
		t.Fatalf("unexpected max retries: %d", cfg.Exchange.MaxRetries)
	}
	if cfg.Momentum.WindowSize != 30 || cfg.Momentum.MinSamples != 10 {
		t.Fatalf("unexpected momentum window: %+v", cfg.Momentum)
	}
	if cfg.Momentum.ScoreThreshold != 0.03 {
		t.Fatalf("unexpected score threshold: %f", cfg.Momentum.ScoreThreshold)
	}
	if cfg.Risk.MaxBalanceFraction != 0.1 || cfg.Risk.MaxOrderNotional != 200 {
		t.Fatalf("unexpected risk caps: %+v", cfg.Risk)
	}
	if cfg.Risk.MaxExposure != 500 || cfg.Risk.MinOrderNotional != 10 {
		t.Fatalf("unexpected exposure limits: %+v", cfg.Risk)
	}
	if cfg.Engine.PollInterval() != time.Minute {
		t.Fatalf("unexpected poll interval: %s", cfg.Engine.PollInterval())
	}
	if cfg.Engine.MaxSizeMultiplier != 6 {
		t.Fatalf("unexpected size multiplier: %f", cfg.Engine.MaxSizeMultiplier)
	}
	if cfg.Paper.QuoteBalance != 10000 || cfg.Paper.StartPrice != 50000 {
		t.Fatalf("unexpected paper settings: %+v", cfg.Paper)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("testdata config should validate, got: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base, err := Load(filepath.Join("testdata", "config.yaml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"asset without quote", func(c *Config) { c.Exchange.Asset = "BTCUSDT" }},
		{"zero timeout", func(c *Config) { c.Exchange.TimeoutMs = 0 }},
		{"zero retries", func(c *Config) { c.Exchange.MaxRetries = 0 }},
		{"window too small", func(c *Config) { c.Momentum.WindowSize = 1 }},
		{"min samples above window", func(c *Config) { c.Momentum.MinSamples = 99 }},
		{"zero score threshold", func(c *Config) { c.Momentum.ScoreThreshold = 0 }},
		{"fraction above one", func(c *Config) { c.Risk.MaxBalanceFraction = 1.5 }},
		{"zero exposure ceiling", func(c *Config) { c.Risk.MaxExposure = 0 }},
		{"zero poll interval", func(c *Config) { c.Engine.PollIntervalSecs = 0 }},
		{"multiplier below one", func(c *Config) { c.Engine.MaxSizeMultiplier = 0.5 }},
	}
	for _, tc := range cases {
		cfg := *base
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
