// Package risk implements the margin, liquidation and PnL arithmetic for
// leveraged positions.
//
// Every function is pure: no I/O, no clock, no shared state. All monetary
// values use shopspring/decimal, never float64 for money.
//
// PnL convention: realized PnL scales by leverage on every path (close and
// liquidation), and a liquidation loss is the PnL evaluated at the
// liquidation price, clamped so it never exceeds the posted margin.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrInvalidInput is returned for non-positive sizes, prices or leverage.
	ErrInvalidInput = errors.New("risk: quantity, price and leverage must be positive")

	// ErrLeverageTooHigh is returned when leverage exceeds the top tier.
	ErrLeverageTooHigh = errors.New("risk: leverage exceeds the maximum tier")

	// PriceScale is the number of decimal places kept for derived prices.
	PriceScale int32 = 8

	// MoneyScale is the number of decimal places kept for margin and PnL.
	MoneyScale int32 = 8

	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// RequiredMargin is the capital that backs a position: qty × entry / leverage.
func RequiredMargin(quantity, entryPrice, leverage decimal.Decimal) (decimal.Decimal, error) {
	if !quantity.IsPositive() || !entryPrice.IsPositive() || !leverage.IsPositive() {
		return decimal.Zero, ErrInvalidInput
	}
	return quantity.Mul(entryPrice).DivRound(leverage, MoneyScale), nil
}

// LiquidationPrice approximates the mark price at which the posted margin is
// consumed. It ignores fees and accrued funding; it is not a maintenance
// margin formula.
//
//	long:  entry × (1 − 1/leverage)
//	short: entry × (1 + 1/leverage)
func LiquidationPrice(entryPrice, leverage decimal.Decimal, side model.Side) (decimal.Decimal, error) {
	if !entryPrice.IsPositive() || !leverage.IsPositive() {
		return decimal.Zero, ErrInvalidInput
	}
	inv := one.DivRound(leverage, 16)
	if side == model.SideShort {
		return entryPrice.Mul(one.Add(inv)).Round(PriceScale), nil
	}
	return entryPrice.Mul(one.Sub(inv)).Round(PriceScale), nil
}

// RealizedPnL is the profit (positive) or loss (negative) of closing at
// closePrice, scaled by leverage.
//
//	long:  (close − entry) × qty × leverage
//	short: (entry − close) × qty × leverage
func RealizedPnL(entryPrice, closePrice, quantity, leverage decimal.Decimal, side model.Side) decimal.Decimal {
	diff := closePrice.Sub(entryPrice)
	if side == model.SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(quantity).Mul(leverage).Round(MoneyScale)
}

// LiquidationLoss is RealizedPnL at the liquidation price, floored at
// −marginUsed. With the leverage-scaled convention the floor always binds, so
// a liquidated position loses exactly its margin.
func LiquidationLoss(p *model.Position) decimal.Decimal {
	pnl := RealizedPnL(p.EntryPrice, p.LiquidationPrice, p.Quantity, p.Leverage, p.Side)
	floor := p.MarginUsed.Neg()
	if pnl.LessThan(floor) {
		return floor
	}
	return pnl
}

// ShouldLiquidate reports whether markPrice has crossed the liquidation price.
func ShouldLiquidate(side model.Side, markPrice, liquidationPrice decimal.Decimal) bool {
	if side == model.SideShort {
		return markPrice.GreaterThanOrEqual(liquidationPrice)
	}
	return markPrice.LessThanOrEqual(liquidationPrice)
}

// QuantityFromNotional converts a USDT sizing amount into a base quantity.
func QuantityFromNotional(amountInUSDT, entryPrice decimal.Decimal) (decimal.Decimal, error) {
	if !amountInUSDT.IsPositive() || !entryPrice.IsPositive() {
		return decimal.Zero, ErrInvalidInput
	}
	return amountInUSDT.DivRound(entryPrice, 16), nil
}

// AuthorizedMargin is the part of a purse the user allowed for one trade:
// balance × pct / 100.
func AuthorizedMargin(balance, pct decimal.Decimal) decimal.Decimal {
	return balance.Mul(pct).Div(hundred)
}

// FundingFee is the unsigned per-cycle fee: marginUsed × rate / 100. The rate
// may be negative, in which case the fee is too.
func FundingFee(marginUsed, ratePct decimal.Decimal) decimal.Decimal {
	return marginUsed.Mul(ratePct).Div(hundred).Round(MoneyScale)
}

// FundingPaid is the amount a position pays for one cycle. Longs pay a
// positive rate and shorts receive it; a negative rate reverses the flow.
func FundingPaid(side model.Side, marginUsed, ratePct decimal.Decimal) decimal.Decimal {
	fee := FundingFee(marginUsed, ratePct)
	if side == model.SideShort {
		return fee.Neg()
	}
	return fee
}
