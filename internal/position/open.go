package position

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/apperr"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/pair"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// OpenRequest describes a new position. Size is given either as Quantity or
// as AmountInUSDT, never both.
type OpenRequest struct {
	UserID          string
	Pair            string
	MarketKind      model.MarketKind
	Side            model.Side
	OrderKind       model.OrderKind
	Leverage        decimal.Decimal // zero is out of range, not absent
	EntryPrice      decimal.Decimal
	Quantity        decimal.Decimal
	AmountInUSDT    decimal.Decimal
	AssetsAmountPct decimal.Decimal
}

// OpenPosition reserves margin from the market kind's purse and records a new
// open position.
//
// Rejections, first match wins: ErrMissingField, ErrInvalidSide,
// ErrInvalidInput, ErrWalletNotFound, ErrInsufficientFunds, ErrLimitExceeded.
func (e *Engine) OpenPosition(ctx context.Context, req OpenRequest) (_ *model.Position, err error) {
	start := time.Now()
	defer func() { observe("open", start, err) }()

	p, err := e.build(req)
	if err != nil {
		return nil, err
	}

	err = e.atomically(ctx, p.UserID, func(tx store.Tx) error {
		if _, err := e.ledger.ReserveMargin(ctx, tx, p.MarketKind.Purse(), p.MarginUsed, p.AssetsAmountPct); err != nil {
			return err
		}
		if e.limiter != nil {
			open, err := tx.OpenPositions(ctx)
			if err != nil {
				return err
			}
			if err := e.limiter.CheckLimit(p, open); err != nil {
				return err
			}
		}
		return tx.InsertPosition(ctx, p)
	})
	if err != nil {
		err = classify(err)
		e.logger.Info("open rejected", "user", req.UserID, "pair", p.Pair, "code", apperr.CodeOf(err), "err", err)
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(string(p.MarketKind), string(p.Side)).Inc()
	e.logger.Info("position opened",
		"user", p.UserID,
		"position", p.ID,
		"pair", p.Pair,
		"market_kind", p.MarketKind,
		"side", p.Side,
		"leverage", p.Leverage.String(),
		"margin", p.MarginUsed.String(),
	)
	e.emit(model.EventNewPosition, p)
	return p, nil
}

// build validates req and computes the position it would open.
func (e *Engine) build(req OpenRequest) (*model.Position, error) {
	if err := validateOpen(req); err != nil {
		return nil, err
	}

	sym, err := pair.Parse(req.Pair)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInvalidInput, err)
	}

	tier, err := risk.TierFor(req.Leverage)
	if err != nil {
		return nil, fmt.Errorf("%w: leverage %s: %w", apperr.ErrInvalidInput, req.Leverage, err)
	}

	qty := req.Quantity
	if qty.IsZero() {
		if qty, err = risk.QuantityFromNotional(req.AmountInUSDT, req.EntryPrice); err != nil {
			return nil, classify(err)
		}
	}

	margin, err := risk.RequiredMargin(qty, req.EntryPrice, req.Leverage)
	if err != nil {
		return nil, classify(err)
	}
	if !margin.IsPositive() {
		return nil, fmt.Errorf("%w: position size too small", apperr.ErrInvalidInput)
	}

	liq, err := risk.LiquidationPrice(req.EntryPrice, req.Leverage, req.Side)
	if err != nil {
		return nil, classify(err)
	}

	now := e.now()
	p := &model.Position{
		ID:               e.newID(),
		UserID:           req.UserID,
		Pair:             sym.Symbol,
		MarketKind:       req.MarketKind,
		Side:             req.Side,
		OrderKind:        req.OrderKind,
		Leverage:         req.Leverage,
		EntryPrice:       req.EntryPrice,
		Quantity:         qty,
		MarginUsed:       margin,
		LiquidationPrice: liq,
		AssetsAmountPct:  req.AssetsAmountPct,
		Status:           model.StatusOpen,
		FundingAccrued:   decimal.Zero,
		CreatedAt:        now,
	}
	if req.MarketKind.Expires() {
		expiry := now.Add(tier.Horizon)
		p.ExpiryTime = &expiry
	}
	return p, nil
}

func validateOpen(req OpenRequest) error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s", apperr.ErrMissingField, field)
	}
	switch {
	case req.UserID == "":
		return missing("userId")
	case req.Pair == "":
		return missing("pair")
	case req.MarketKind == "":
		return missing("marketKind")
	case req.Side == "":
		return missing("side")
	case req.OrderKind == "":
		return missing("orderKind")
	case req.EntryPrice.IsZero():
		return missing("entryPrice")
	case req.Quantity.IsZero() && req.AmountInUSDT.IsZero():
		return missing("quantity or amountInUSDT")
	case req.AssetsAmountPct.IsZero():
		return missing("assetsAmount")
	}

	if !req.Side.Valid() {
		return fmt.Errorf("%w: %q", apperr.ErrInvalidSide, req.Side)
	}

	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{apperr.ErrInvalidInput}, args...)...)
	}
	switch {
	case !req.MarketKind.Valid():
		return invalid("unknown market kind %q", req.MarketKind)
	case !req.OrderKind.Valid():
		return invalid("unknown order kind %q", req.OrderKind)
	case req.Leverage.LessThan(decimal.NewFromInt(1)):
		return invalid("leverage %s below 1", req.Leverage)
	case !req.EntryPrice.IsPositive():
		return invalid("entryPrice must be positive")
	case req.Quantity.IsNegative() || req.AmountInUSDT.IsNegative():
		return invalid("size must be positive")
	case req.Quantity.IsPositive() && req.AmountInUSDT.IsPositive():
		return invalid("give quantity or amountInUSDT, not both")
	case !req.AssetsAmountPct.IsPositive() || req.AssetsAmountPct.GreaterThan(hundred):
		return invalid("assetsAmount %s outside (0, 100]", req.AssetsAmountPct)
	}
	return nil
}
