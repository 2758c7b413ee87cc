// Package sweep runs the recurring liquidation, expiry and funding passes over
// open positions.
//
// Each position is handled in its own unit of work, detached from the
// caller's cancellation, so stopping the sweep never interrupts a transition
// half way. Cancellation is checked between positions; whatever was not
// reached is picked up by the next pass. A failure on one position is logged
// and counted, and the pass moves on.
package sweep

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pair"
	"github.com/atmx/perp-engine/internal/position"
)

// PriceSource supplies fresh mark prices keyed by compact pair symbol.
// Stale or unknown pairs are simply absent.
type PriceSource interface {
	Snapshot() map[string]decimal.Decimal
}

// Config sets the sweep cadences.
type Config struct {
	LiquidationInterval time.Duration
	FundingInterval     time.Duration
}

// Result summarises one pass.
type Result struct {
	Evaluated  int
	Liquidated int
	Expired    int
	Funded     int
	Skipped    int
	Errors     int
}

// Sweeper drives the engine's sweep transitions.
type Sweeper struct {
	engine *position.Engine
	prices PriceSource
	cfg    Config
	logger *slog.Logger
}

// New creates a sweeper. Zero intervals default to 10s for liquidation and
// 1h for funding.
func New(engine *position.Engine, prices PriceSource, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.LiquidationInterval <= 0 {
		cfg.LiquidationInterval = 10 * time.Second
	}
	if cfg.FundingInterval <= 0 {
		cfg.FundingInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{engine: engine, prices: prices, cfg: cfg, logger: logger}
}

// RunLiquidationSweep evaluates every open position against prices: first
// liquidation, then, if the position is still open, expiry. Positions whose
// pair has no price are not evaluated for liquidation. Price keys may use any
// pair spelling pair.Parse accepts.
func (s *Sweeper) RunLiquidationSweep(ctx context.Context, prices map[string]decimal.Decimal) Result {
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("liquidation").Observe(time.Since(start).Seconds()) }()

	var res Result
	open, err := s.engine.AllOpenPositions(ctx)
	if err != nil {
		s.logger.Error("liquidation sweep: list open positions", "err", err)
		metrics.SweepErrors.WithLabelValues("liquidation").Inc()
		res.Errors++
		return res
	}
	metrics.OpenPositions.Set(float64(len(open)))

	marks := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		marks[pair.Normalize(k)] = v
	}

	for _, p := range open {
		if ctx.Err() != nil {
			break
		}
		res.Evaluated++
		uctx := context.WithoutCancel(ctx)

		if mark, ok := marks[p.Pair]; ok {
			liquidated, err := s.engine.Liquidate(uctx, p, mark)
			if err != nil {
				s.fail("liquidation", p, err, &res)
				continue
			}
			if liquidated {
				res.Liquidated++
				continue
			}
		} else {
			res.Skipped++
			metrics.SweepSkipped.Inc()
		}

		if p.MarketKind.Expires() && !p.IsExpired {
			expired, err := s.engine.Expire(uctx, p)
			if err != nil {
				s.fail("liquidation", p, err, &res)
				continue
			}
			if expired {
				res.Expired++
			}
		}
	}

	if res.Liquidated > 0 || res.Expired > 0 || res.Errors > 0 {
		s.logger.Info("liquidation sweep",
			"evaluated", res.Evaluated,
			"liquidated", res.Liquidated,
			"expired", res.Expired,
			"skipped", res.Skipped,
			"errors", res.Errors,
			"duration", time.Since(start),
		)
	}
	return res
}

// RunFundingSweep applies one funding cycle to every open perpetual position
// whose pair has a rate.
func (s *Sweeper) RunFundingSweep(ctx context.Context) Result {
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("funding").Observe(time.Since(start).Seconds()) }()

	var res Result
	table, err := s.engine.FundingRates(ctx)
	if err != nil {
		s.logger.Error("funding sweep: read rates", "err", err)
		metrics.SweepErrors.WithLabelValues("funding").Inc()
		res.Errors++
		return res
	}
	rates := make(map[string]decimal.Decimal, len(table))
	for _, r := range table {
		rates[r.Pair] = r.Rate
	}

	open, err := s.engine.AllOpenPositions(ctx)
	if err != nil {
		s.logger.Error("funding sweep: list open positions", "err", err)
		metrics.SweepErrors.WithLabelValues("funding").Inc()
		res.Errors++
		return res
	}

	for _, p := range open {
		if ctx.Err() != nil {
			break
		}
		if !p.MarketKind.Funded() {
			continue
		}
		res.Evaluated++

		rate, ok := rates[p.Pair]
		if !ok {
			res.Skipped++
			continue
		}
		funded, err := s.engine.ApplyFunding(context.WithoutCancel(ctx), p, rate, s.cfg.FundingInterval)
		if err != nil {
			s.fail("funding", p, err, &res)
			continue
		}
		if funded {
			res.Funded++
		}
	}

	s.logger.Info("funding sweep",
		"evaluated", res.Evaluated,
		"funded", res.Funded,
		"skipped", res.Skipped,
		"errors", res.Errors,
		"duration", time.Since(start),
	)
	return res
}

// Run schedules both passes until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	liq := time.NewTicker(s.cfg.LiquidationInterval)
	defer liq.Stop()
	fund := time.NewTicker(s.cfg.FundingInterval)
	defer fund.Stop()

	s.logger.Info("sweeper started",
		"liquidation_interval", s.cfg.LiquidationInterval,
		"funding_interval", s.cfg.FundingInterval,
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-liq.C:
			s.RunLiquidationSweep(ctx, s.prices.Snapshot())
		case <-fund.C:
			s.RunFundingSweep(ctx)
		}
	}
}

func (s *Sweeper) fail(sweep string, p model.Position, err error, res *Result) {
	res.Errors++
	metrics.SweepErrors.WithLabelValues(sweep).Inc()
	s.logger.Error("sweep position failed",
		"sweep", sweep,
		"user", p.UserID,
		"position", p.ID,
		"err", err,
	)
}
