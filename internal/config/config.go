// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	StatePath   string `yaml:"state_path"`
}

// Exchange describes connectivity for the venue the bot trades on.
// API credentials are read from the environment, never from this file.
type Exchange struct {
	Name             string  `yaml:"name"`
	BaseURL          string  `yaml:"base_url"`
	Asset            string  `yaml:"asset"` // instrument id, e.g. BTC-USDT
	Testnet          bool    `yaml:"testnet"`
	TimeoutMs        int     `yaml:"timeout_ms"`
	RateLimitPerSec  float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst   int     `yaml:"rate_limit_burst"`
	MaxRetries       int     `yaml:"max_retries"`
	BackoffMs        int     `yaml:"backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms"`
	BanSleepSecs     int     `yaml:"ban_sleep_secs"`
	WebsocketBaseURL string  `yaml:"websocket_base_url"`
}

// Momentum groups the tunable knobs of the extreme-move filter.
type Momentum struct {
	WindowSize     int     `yaml:"window_size"`
	MinSamples     int     `yaml:"min_samples"`
	ScoreThreshold float64 `yaml:"score_threshold"` // fractional move, e.g. 0.03
	VolCeiling     float64 `yaml:"vol_ceiling"`     // stdev of per-sample returns
	ScoreMode      string  `yaml:"score_mode"`      // "window_change" or "rate_of_change"
}

// Risk encodes the guard-rails applied before any order is sized.
// Caps are quote-currency notionals.
type Risk struct {
	MaxBalanceFraction float64 `yaml:"max_balance_fraction"`
	MaxOrderNotional   float64 `yaml:"max_order_notional"`
	MaxExposure        float64 `yaml:"max_exposure"`
	MinOrderNotional   float64 `yaml:"min_order_notional"`
	MakerFeeRate       float64 `yaml:"maker_fee_rate"`
	TakerFeeRate       float64 `yaml:"taker_fee_rate"`
}

// Engine holds loop cadence and order-pricing parameters.
type Engine struct {
	PollIntervalSecs   int     `yaml:"poll_interval_secs"`
	PriceMoveThreshold float64 `yaml:"price_move_threshold"` // distance of resting orders from the anchor
	PriceOffset        float64 `yaml:"price_offset"`         // cap of resting price relative to the live price
	PriceSanityBand    float64 `yaml:"price_sanity_band"`    // reject quotes further than this from the anchor
	MaxSizeMultiplier  float64 `yaml:"max_size_multiplier"`  // cap on fill-streak size doubling
	BalanceSyncCycles  int     `yaml:"balance_sync_cycles"`  // re-query balances every N cycles
}

// Paper captures the simulated exchange settings used by cmd/paper.
type Paper struct {
	QuoteBalance float64 `yaml:"quote_balance"`
	BaseBalance  float64 `yaml:"base_balance"`
	StartPrice   float64 `yaml:"start_price"`
	SpreadBps    float64 `yaml:"spread_bps"`
	DriftBps     float64 `yaml:"drift_bps"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Exchange Exchange `yaml:"exchange"`
	Momentum Momentum `yaml:"momentum"`
	Risk     Risk     `yaml:"risk"`
	Engine   Engine   `yaml:"engine"`
	Paper    Paper    `yaml:"paper"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configurations the engine must not start with.
func (c *Config) Validate() error {
	if !strings.Contains(c.Exchange.Asset, "-") {
		return fmt.Errorf("exchange.asset %q must be BASE-QUOTE", c.Exchange.Asset)
	}
	if c.Exchange.TimeoutMs <= 0 {
		return fmt.Errorf("exchange.timeout_ms must be positive")
	}
	if c.Exchange.MaxRetries < 1 {
		return fmt.Errorf("exchange.max_retries must be at least 1")
	}
	if c.Exchange.RateLimitPerSec <= 0 {
		return fmt.Errorf("exchange.rate_limit_per_sec must be positive")
	}
	if c.Momentum.WindowSize < 2 {
		return fmt.Errorf("momentum.window_size must be at least 2")
	}
	if c.Momentum.MinSamples < 2 || c.Momentum.MinSamples > c.Momentum.WindowSize {
		return fmt.Errorf("momentum.min_samples must be within [2, window_size]")
	}
	if c.Momentum.ScoreThreshold <= 0 {
		return fmt.Errorf("momentum.score_threshold must be positive")
	}
	if c.Risk.MaxBalanceFraction <= 0 || c.Risk.MaxBalanceFraction > 1 {
		return fmt.Errorf("risk.max_balance_fraction must be in (0, 1]")
	}
	if c.Risk.MaxOrderNotional <= 0 || c.Risk.MaxExposure <= 0 {
		return fmt.Errorf("risk caps must be positive")
	}
	if c.Risk.MinOrderNotional < 0 {
		return fmt.Errorf("risk.min_order_notional must not be negative")
	}
	if c.Engine.PollIntervalSecs <= 0 {
		return fmt.Errorf("engine.poll_interval_secs must be positive")
	}
	if c.Engine.PriceMoveThreshold <= 0 {
		return fmt.Errorf("engine.price_move_threshold must be positive")
	}
	if c.Engine.MaxSizeMultiplier < 1 {
		return fmt.Errorf("engine.max_size_multiplier must be at least 1")
	}
	return nil
}

// BaseAsset returns the traded asset, e.g. BTC for BTC-USDT.
func (e Exchange) BaseAsset() string {
	return strings.SplitN(e.Asset, "-", 2)[0]
}

// QuoteAsset returns the pricing asset, e.g. USDT for BTC-USDT.
func (e Exchange) QuoteAsset() string {
	parts := strings.SplitN(e.Asset, "-", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Timeout converts the configured per-request timeout.
func (e Exchange) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// PollInterval converts the configured loop cadence.
func (e Engine) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSecs) * time.Second
}
