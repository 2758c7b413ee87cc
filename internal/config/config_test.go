package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", env(nil))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.Sweep.LiquidationInterval)
	assert.Equal(t, time.Hour, cfg.Sweep.FundingInterval)
	assert.Equal(t, FeedBinance, cfg.PriceFeed.Source)
	assert.Equal(t, 30*time.Second, cfg.RedisTTL)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	pairs, err := cfg.Pairs()
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "BTCUSDT", pairs[0].Symbol)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
port: "9000"
log_level: debug
sweep:
  liquidation_interval: 2s
  funding_interval: 8h
price_feed:
  source: static
  max_age: 0s
  pairs: [btc-usdt]
  static_prices:
    BTC/USDT: "50000"
    ethusdt: "2000.5"
funding_rates:
  BTCUSDT: "0.01"
  ETHUSDT: "-0.005"
limits:
  max_notional_per_pair: "250000"
  max_open_positions: 20
wallets:
  - user_id: alice
    futures: "10000"
    perpetual: "2500.5"
  - user_id: bob
`)

	cfg, err := Load(path, env(map[string]string{
		"PORT":                 "9100",
		"LIQUIDATION_INTERVAL": "500ms",
		"PAIRS":                "BTCUSDT, SOLUSDT,",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Port, "env wins over file")
	assert.Equal(t, 500*time.Millisecond, cfg.Sweep.LiquidationInterval)
	assert.Equal(t, 8*time.Hour, cfg.Sweep.FundingInterval)
	assert.Equal(t, FeedStatic, cfg.PriceFeed.Source)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, cfg.PriceFeed.Pairs)
	assert.Zero(t, cfg.PriceFeed.MaxAge)

	lvl, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	prices, err := cfg.StaticPrices()
	require.NoError(t, err)
	assert.True(t, prices["BTCUSDT"].Equal(decimal.NewFromInt(50000)))
	assert.True(t, prices["ETHUSDT"].Equal(decimal.RequireFromString("2000.5")))

	rates, err := cfg.FundingRateTable()
	require.NoError(t, err)
	assert.True(t, rates["ETHUSDT"].Equal(decimal.RequireFromString("-0.005")))

	limit, err := cfg.MaxNotionalPerPair()
	require.NoError(t, err)
	assert.True(t, limit.Equal(decimal.NewFromInt(250000)))
	assert.Equal(t, 20, cfg.Limits.MaxOpenPositions)

	wallets, err := cfg.SeedWallets()
	require.NoError(t, err)
	require.Len(t, wallets, 2)
	assert.Equal(t, "alice", wallets[0].UserID)
	assert.True(t, wallets[0].FuturesBalance.Equal(decimal.NewFromInt(10000)))
	assert.True(t, wallets[0].PerpetualBalance.Equal(decimal.RequireFromString("2500.5")))
	assert.True(t, wallets[1].FuturesBalance.IsZero(), "omitted balances are zero")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{"bad duration env", "", map[string]string{"FUNDING_INTERVAL": "hourly"}},
		{"zero interval", "sweep:\n  liquidation_interval: 0s\n", nil},
		{"unknown feed", "", map[string]string{"PRICE_FEED": "kraken"}},
		{"bad log level", "", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad pair", "", map[string]string{"PAIRS": "BTC"}},
		{"binance without pairs", "price_feed:\n  pairs: []\n", nil},
		{"non-positive static price", "price_feed:\n  static_prices:\n    BTCUSDT: \"0\"\n", nil},
		{"non-numeric rate", "funding_rates:\n  BTCUSDT: high\n", nil},
		{"negative limit", "limits:\n  max_notional_per_pair: \"-1\"\n", nil},
		{"bad outbox size", "", map[string]string{"OUTBOX_SIZE": "many"}},
		{"malformed yaml", "port: [\n", nil},
		{"wallet without user", "wallets:\n  - futures: \"10\"\n", nil},
		{"negative wallet balance", "wallets:\n  - user_id: a\n    spot: \"-1\"\n", nil},
		{"duplicate wallet", "wallets:\n  - user_id: a\n  - user_id: a\n", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, tt.yaml)
			}
			_, err := Load(path, env(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), env(nil))
	assert.Error(t, err)
}
