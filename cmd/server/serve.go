package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/notify"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/pricefeed"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/sweep"
	"github.com/atmx/perp-engine/internal/trade"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, sweeper and price feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := seedFundingRates(ctx, st, cfg); err != nil {
		return err
	}
	if err := seedWallets(ctx, st, cfg); err != nil {
		return err
	}

	// --- Notifications ---
	// The hub and dispatcher outlive the request-serving components so
	// events committed during shutdown are still delivered.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()

	outbox := notify.NewOutbox(cfg.OutboxSize, logger)
	wsHub := trade.NewWSHub(logger)
	sinks := []notify.Sink{wsHub}
	if cfg.NATSURL != "" {
		nc, err := notify.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		sinks = append(sinks, notify.NewNATSSink(nc, cfg.NATSPrefix))
		logger.Info("NATS notifications enabled", "prefix", cfg.NATSPrefix)
	}
	dispatcher := notify.NewDispatcher(outbox, logger, sinks...)

	var sinkGroup errgroup.Group
	sinkGroup.Go(func() error { return wsHub.Run(sinkCtx) })
	sinkGroup.Go(func() error { return dispatcher.Run(sinkCtx) })

	// --- Position limits ---
	maxNotional, _ := cfg.MaxNotionalPerPair()
	limiter := limits.NewExposureLimiter(maxNotional, cfg.Limits.MaxOpenPositions)

	// --- Engine ---
	engine := position.NewEngine(st,
		position.WithLimiter(limiter),
		position.WithEmitter(outbox),
		position.WithLogger(logger),
	)

	// --- Mark prices ---
	g, gctx := errgroup.WithContext(ctx)

	var table *pricefeed.Table
	switch cfg.PriceFeed.Source {
	case config.FeedStatic:
		table = pricefeed.NewTable(0)
		prices, _ := cfg.StaticPrices()
		for p, v := range prices {
			table.Set(p, v)
		}
		logger.Info("static mark prices loaded", "pairs", len(prices))
	default:
		table = pricefeed.NewTable(cfg.PriceFeed.MaxAge)
		pairs, _ := cfg.Pairs()
		feed := pricefeed.NewBinanceStream(cfg.PriceFeed.BinanceURL, pairs, table, logger)
		g.Go(func() error { return feed.Run(gctx) })
	}

	// --- Sweeper ---
	sweeper := sweep.New(engine, table, sweep.Config{
		LiquidationInterval: cfg.Sweep.LiquidationInterval,
		FundingInterval:     cfg.Sweep.FundingInterval,
	}, logger)
	g.Go(func() error { return sweeper.Run(gctx) })

	// --- HTTP ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(trade.NewService(engine, logger), wsHub),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	g.Go(func() error {
		logger.Info("perp-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down perp-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stopSinks()
	if serr := sinkGroup.Wait(); err == nil {
		err = serr
	}
	if err != nil {
		logger.Error("perp-engine stopped with error", "err", err)
		return err
	}
	logger.Info("perp-engine stopped")
	return nil
}

func newRouter(svc *trade.Service, wsHub *trade.WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.UserHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time position events. Long-lived, so
		// it stays outside the request timeout.
		r.With(trade.RequireUser).Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})
	return r
}

// seedFundingRates writes the configured funding rates, if the store accepts
// writes to its rate table.
func seedFundingRates(ctx context.Context, st store.Store, cfg *config.Config) error {
	rates, _ := cfg.FundingRateTable()
	if len(rates) == 0 {
		return nil
	}
	w, ok := st.(store.FundingRateWriter)
	if !ok {
		slog.Warn("store does not accept funding rates; seed ignored")
		return nil
	}
	for p, rate := range rates {
		if err := w.SetFundingRate(ctx, p, rate); err != nil {
			return err
		}
	}
	slog.Info("funding rates seeded", "pairs", len(rates))
	return nil
}

// seedWallets creates the configured wallets. Wallets that already exist keep
// their balances.
func seedWallets(ctx context.Context, st store.Store, cfg *config.Config) error {
	wallets, err := cfg.SeedWallets()
	if err != nil {
		return err
	}
	created := 0
	for _, w := range wallets {
		err := st.CreateWallet(ctx, w)
		switch {
		case errors.Is(err, store.ErrWalletExists):
			slog.Debug("wallet already exists; seed skipped", "user", w.UserID)
		case err != nil:
			return fmt.Errorf("seed wallet %s: %w", w.UserID, err)
		default:
			created++
		}
	}
	if len(wallets) > 0 {
		slog.Info("wallets seeded", "created", created, "configured", len(wallets))
	}
	return nil
}
