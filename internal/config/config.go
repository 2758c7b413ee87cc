// Package config loads the server configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. Decimal values (prices, rates, limits) are written as
// strings in YAML so they never pass through float64.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pair"
)

// Price feed sources.
const (
	FeedBinance = "binance"
	FeedStatic  = "static"
)

// Config is the complete server configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`
	NATSURL     string        `yaml:"nats_url"`
	NATSPrefix  string        `yaml:"nats_prefix"`
	OutboxSize  int           `yaml:"outbox_size"`

	Sweep     SweepConfig     `yaml:"sweep"`
	PriceFeed PriceFeedConfig `yaml:"price_feed"`
	Limits    LimitsConfig    `yaml:"limits"`

	// FundingRates seeds the funding rate table at startup, pair → percent.
	FundingRates map[string]string `yaml:"funding_rates,omitempty"`

	// Wallets are created at startup when absent. This is how the in-memory
	// store gets funded wallets.
	Wallets []WalletSeed `yaml:"wallets,omitempty"`
}

// WalletSeed describes one wallet to provision. Empty balances are zero.
type WalletSeed struct {
	UserID    string `yaml:"user_id"`
	Spot      string `yaml:"spot"`
	Futures   string `yaml:"futures"`
	Perpetual string `yaml:"perpetual"`
	Exchange  string `yaml:"exchange"`
}

// Wallet parses the seed. Balances must be non-negative decimals.
func (ws WalletSeed) Wallet() (*model.Wallet, error) {
	if strings.TrimSpace(ws.UserID) == "" {
		return nil, fmt.Errorf("wallet user_id is required")
	}
	w := &model.Wallet{UserID: ws.UserID, UpdatedAt: time.Now().UTC()}
	for _, b := range []struct {
		purse model.Purse
		raw   string
	}{
		{model.PurseSpot, ws.Spot},
		{model.PurseFutures, ws.Futures},
		{model.PursePerpetual, ws.Perpetual},
		{model.PurseExchange, ws.Exchange},
	} {
		if b.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(b.raw)
		if err != nil || v.IsNegative() {
			return nil, fmt.Errorf("wallet %s: invalid %s balance %q", ws.UserID, b.purse, b.raw)
		}
		w.SetBalance(b.purse, v)
	}
	return w, nil
}

// SweepConfig sets the sweep cadences.
type SweepConfig struct {
	LiquidationInterval time.Duration `yaml:"liquidation_interval"`
	FundingInterval     time.Duration `yaml:"funding_interval"`
}

// PriceFeedConfig selects where mark prices come from.
type PriceFeedConfig struct {
	Source     string        `yaml:"source"` // "binance" or "static"
	MaxAge     time.Duration `yaml:"max_age"`
	BinanceURL string        `yaml:"binance_url"`
	Pairs      []string      `yaml:"pairs"`

	// StaticPrices seeds the table for the static source, pair → price.
	StaticPrices map[string]string `yaml:"static_prices,omitempty"`
}

// LimitsConfig caps exposure per user. Zero disables a cap.
type LimitsConfig struct {
	MaxNotionalPerPair string `yaml:"max_notional_per_pair"`
	MaxOpenPositions   int    `yaml:"max_open_positions"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Port:       "8080",
		LogLevel:   "info",
		RedisTTL:   30 * time.Second,
		NATSPrefix: "perp.events",
		OutboxSize: 1024,
		Sweep: SweepConfig{
			LiquidationInterval: 10 * time.Second,
			FundingInterval:     time.Hour,
		},
		PriceFeed: PriceFeedConfig{
			Source: FeedBinance,
			MaxAge: 30 * time.Second,
			Pairs:  []string{"BTCUSDT", "ETHUSDT"},
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the environment, then validates it.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("PORT", &c.Port)
	str("LOG_LEVEL", &c.LogLevel)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("NATS_URL", &c.NATSURL)
	str("PRICE_FEED", &c.PriceFeed.Source)
	str("BINANCE_STREAM_URL", &c.PriceFeed.BinanceURL)

	if v := getenv("PAIRS"); v != "" {
		c.PriceFeed.Pairs = splitList(v)
	}
	if v := getenv("OUTBOX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OUTBOX_SIZE: %w", err)
		}
		c.OutboxSize = n
	}

	return errors.Join(
		dur("LIQUIDATION_INTERVAL", &c.Sweep.LiquidationInterval),
		dur("FUNDING_INTERVAL", &c.Sweep.FundingInterval),
		dur("PRICE_MAX_AGE", &c.PriceFeed.MaxAge),
		dur("REDIS_TTL", &c.RedisTTL),
	)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.Sweep.LiquidationInterval <= 0 || c.Sweep.FundingInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	switch c.PriceFeed.Source {
	case FeedBinance, FeedStatic:
	default:
		return fmt.Errorf("price_feed.source must be %q or %q", FeedBinance, FeedStatic)
	}
	if c.PriceFeed.MaxAge < 0 {
		return fmt.Errorf("price_feed.max_age must not be negative")
	}
	if _, err := c.Pairs(); err != nil {
		return err
	}
	if c.PriceFeed.Source == FeedBinance && len(c.PriceFeed.Pairs) == 0 {
		return fmt.Errorf("price_feed.pairs is required for the binance feed")
	}
	if _, err := c.StaticPrices(); err != nil {
		return err
	}
	if _, err := c.FundingRateTable(); err != nil {
		return err
	}
	if c.Limits.MaxOpenPositions < 0 {
		return fmt.Errorf("limits.max_open_positions must not be negative")
	}
	if _, err := c.MaxNotionalPerPair(); err != nil {
		return err
	}
	if _, err := c.SeedWallets(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Pairs parses the subscribed pairs.
func (c *Config) Pairs() ([]pair.Pair, error) {
	out := make([]pair.Pair, 0, len(c.PriceFeed.Pairs))
	for _, raw := range c.PriceFeed.Pairs {
		p, err := pair.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("price_feed.pairs: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// StaticPrices parses the seeded mark prices. Keys are normalised.
func (c *Config) StaticPrices() (map[string]decimal.Decimal, error) {
	return decimalTable("price_feed.static_prices", c.PriceFeed.StaticPrices, true)
}

// FundingRateTable parses the seeded funding rates. Keys are normalised.
func (c *Config) FundingRateTable() (map[string]decimal.Decimal, error) {
	return decimalTable("funding_rates", c.FundingRates, false)
}

// MaxNotionalPerPair parses the per-pair notional cap. Empty means no cap.
func (c *Config) MaxNotionalPerPair() (decimal.Decimal, error) {
	if c.Limits.MaxNotionalPerPair == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(c.Limits.MaxNotionalPerPair)
	if err != nil || v.IsNegative() {
		return decimal.Zero, fmt.Errorf("limits.max_notional_per_pair: invalid value %q", c.Limits.MaxNotionalPerPair)
	}
	return v, nil
}

// SeedWallets parses the configured wallets. A user may appear only once.
func (c *Config) SeedWallets() ([]*model.Wallet, error) {
	out := make([]*model.Wallet, 0, len(c.Wallets))
	seen := make(map[string]bool, len(c.Wallets))
	for _, ws := range c.Wallets {
		w, err := ws.Wallet()
		if err != nil {
			return nil, fmt.Errorf("wallets: %w", err)
		}
		if seen[w.UserID] {
			return nil, fmt.Errorf("wallets: duplicate user %s", w.UserID)
		}
		seen[w.UserID] = true
		out = append(out, w)
	}
	return out, nil
}

func decimalTable(field string, in map[string]string, positive bool) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for k, raw := range in {
		p, err := pair.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%s[%s]: invalid number %q", field, k, raw)
		}
		if positive && !v.IsPositive() {
			return nil, fmt.Errorf("%s[%s]: must be positive", field, k)
		}
		out[p.Symbol] = v
	}
	return out, nil
}
