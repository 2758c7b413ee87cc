package position

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/apperr"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
)

// CloseResult is the outcome of a user close.
type CloseResult struct {
	PositionID string          `json:"position_id"`
	ProfitLoss decimal.Decimal `json:"profit_loss"`
	Balance    decimal.Decimal `json:"balance"` // purse balance after the release
	Position   *model.Position `json:"position"`
}

// ClosePosition settles an open position at closePrice and releases its
// margin plus PnL to the purse it was reserved from.
//
// Rejections, first match wins: ErrPositionNotFound (absent or owned by
// someone else), ErrAlreadyClosed, ErrInvalidClosePrice. A second close of
// the same position always fails with ErrAlreadyClosed.
func (e *Engine) ClosePosition(ctx context.Context, userID, positionID, closePrice string) (_ *CloseResult, err error) {
	start := time.Now()
	defer func() { observe("close", start, err) }()

	if userID == "" {
		return nil, fmt.Errorf("%w: userId", apperr.ErrMissingField)
	}

	var (
		res    *CloseResult
		credit ledger.Credit
	)
	err = e.atomically(ctx, userID, func(tx store.Tx) error {
		p, err := tx.Position(ctx, positionID)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", apperr.ErrAlreadyClosed, p.ID, p.Status)
		}

		price, err := decimal.NewFromString(strings.TrimSpace(closePrice))
		if err != nil || !price.IsPositive() {
			return fmt.Errorf("%w: %q", apperr.ErrInvalidClosePrice, closePrice)
		}

		pnl := risk.RealizedPnL(p.EntryPrice, price, p.Quantity, p.Leverage, p.Side)
		credit, err = e.ledger.ReleaseMargin(ctx, tx, p.MarketKind.Purse(), p.MarginUsed, pnl)
		if err != nil {
			return err
		}

		now := e.now()
		p.Status = model.StatusClosed
		p.ClosePrice = &price
		p.ProfitLoss = &pnl
		p.ClosedAt = &now
		if err := tx.UpdatePosition(ctx, p); err != nil {
			return err
		}

		res = &CloseResult{PositionID: p.ID, ProfitLoss: pnl, Balance: credit.Balance, Position: p}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	p := res.Position
	e.clamped(p, "release", credit)
	metrics.PositionsClosed.WithLabelValues(string(p.MarketKind), string(p.Status)).Inc()
	e.logger.Info("position closed",
		"user", userID,
		"position", p.ID,
		"close_price", p.ClosePrice.String(),
		"pnl", res.ProfitLoss.String(),
	)
	e.emit(model.EventPositionClosed, p)
	return res, nil
}
