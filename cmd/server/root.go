package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/store"
)

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "perp-engine",
		Short: "Leveraged futures and perpetual position engine",
		Long: `perp-engine opens, closes and liquidates leveraged futures and perpetual
positions against user wallets, applies periodic funding, and pushes position
events to WebSocket clients and NATS.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", os.Getenv("CONFIG_FILE"),
		"YAML config file (env: CONFIG_FILE)")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newWalletCmd(opts),
	)
	return cmd
}

// load reads the configuration and installs the JSON logger as default.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configFile, os.Getenv)
	if err != nil {
		return nil, nil, err
	}
	lvl, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openStore selects the store: PostgreSQL when DATABASE_URL is set, wrapped
// in the Redis cache when REDIS_URL is also set, else in-memory.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	pool, err := connectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	cleanup = append(cleanup, pool.Close)
	var st store.Store = store.NewPostgresStore(pool)
	logger.Info("connected to PostgreSQL")

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.RedisTTL)
		logger.Info("Redis cache enabled", "ttl", cfg.RedisTTL)
	}
	return st, closeAll, nil
}

func connectDB(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}
