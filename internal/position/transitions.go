package position

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
)

// The sweep-driven transitions below take a snapshot of a position and
// re-read it inside the unit of work. A position that is no longer open by
// then is left alone and reported as not applied, without error.

// Liquidate moves an open position to liquidated if mark has crossed its
// liquidation price. The loss is the full posted margin; nothing is credited
// back to the wallet.
func (e *Engine) Liquidate(ctx context.Context, snap model.Position, mark decimal.Decimal) (applied bool, err error) {
	var p *model.Position
	err = e.atomically(ctx, snap.UserID, func(tx store.Tx) error {
		p, applied = nil, false
		cur, err := tx.Position(ctx, snap.ID)
		if err != nil {
			return err
		}
		if !cur.IsOpen() || !risk.ShouldLiquidate(cur.Side, mark, cur.LiquidationPrice) {
			return nil
		}

		loss := risk.LiquidationLoss(cur)
		now := e.now()
		cur.Status = model.StatusLiquidated
		cur.ClosePrice = &mark
		cur.ProfitLoss = &loss
		cur.ClosedAt = &now
		if err := tx.UpdatePosition(ctx, cur); err != nil {
			return err
		}
		p, applied = cur, true
		return nil
	})
	if err != nil || !applied {
		return false, classify(err)
	}

	metrics.PositionsClosed.WithLabelValues(string(p.MarketKind), string(p.Status)).Inc()
	e.logger.Warn("position liquidated",
		"user", p.UserID,
		"position", p.ID,
		"pair", p.Pair,
		"mark", mark.String(),
		"liquidation_price", p.LiquidationPrice.String(),
		"pnl", p.ProfitLoss.String(),
	)
	e.emit(model.EventLiquidationUpdate, p)
	return true, nil
}

// Expire flags an open futures position whose expiry time has passed. The
// position stays open and closable.
func (e *Engine) Expire(ctx context.Context, snap model.Position) (applied bool, err error) {
	var p *model.Position
	err = e.atomically(ctx, snap.UserID, func(tx store.Tx) error {
		p, applied = nil, false
		cur, err := tx.Position(ctx, snap.ID)
		if err != nil {
			return err
		}
		if !cur.IsOpen() || !cur.MarketKind.Expires() || cur.IsExpired ||
			cur.ExpiryTime == nil || e.now().Before(*cur.ExpiryTime) {
			return nil
		}

		cur.IsExpired = true
		if err := tx.UpdatePosition(ctx, cur); err != nil {
			return err
		}
		p, applied = cur, true
		return nil
	})
	if err != nil || !applied {
		return false, classify(err)
	}

	metrics.PositionsExpired.Inc()
	e.logger.Info("position expired", "user", p.UserID, "position", p.ID, "expiry", p.ExpiryTime)
	e.emit(model.EventPositionExpired, p)
	return true, nil
}

// ApplyFunding charges or pays one funding cycle on an open perpetual
// position. Longs pay a positive rate and shorts receive it. The cycle is the
// window of length interval containing now; a position already funded in
// that window is skipped, so re-running a sweep never charges twice.
func (e *Engine) ApplyFunding(ctx context.Context, snap model.Position, ratePct decimal.Decimal, interval time.Duration) (applied bool, err error) {
	var (
		p      *model.Position
		paid   decimal.Decimal
		credit ledger.Credit
	)
	err = e.atomically(ctx, snap.UserID, func(tx store.Tx) error {
		p, applied, credit = nil, false, ledger.Credit{}
		cur, err := tx.Position(ctx, snap.ID)
		if err != nil {
			return err
		}
		if !cur.IsOpen() || !cur.MarketKind.Funded() {
			return nil
		}

		now := e.now()
		if interval > 0 && cur.LastFundingAt != nil && !cur.LastFundingAt.Before(now.Truncate(interval)) {
			return nil
		}

		paid = risk.FundingPaid(cur.Side, cur.MarginUsed, ratePct)
		credit, err = e.ledger.ApplyFundingFee(ctx, tx, cur.MarketKind.Purse(), paid.Neg())
		if err != nil {
			return err
		}

		cur.FundingAccrued = cur.FundingAccrued.Add(paid)
		cur.LastFundingAt = &now
		if err := tx.UpdatePosition(ctx, cur); err != nil {
			return err
		}
		p, applied = cur, true
		return nil
	})
	if err != nil || !applied {
		return false, classify(err)
	}

	e.clamped(p, "funding", credit)
	direction := "paid"
	if paid.IsNegative() {
		direction = "received"
	}
	metrics.FundingFees.WithLabelValues(direction).Inc()
	e.logger.Debug("funding applied",
		"user", p.UserID,
		"position", p.ID,
		"rate", ratePct.String(),
		"paid", paid.String(),
		"accrued", p.FundingAccrued.String(),
	)
	return true, nil
}
