// Package ledger applies margin and funding movements to wallet purses.
//
// Every operation takes the store.Tx of the unit of work that also writes the
// position, so a purse change and the position status it pays for commit
// together. No operation ever leaves a purse negative: credits that would
// drive a purse below zero are clamped, never rejected. The clamp is reported
// to the caller, which counts it once the unit of work has committed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when the authorized share of a purse
	// cannot cover a reservation.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInvalidAmount is returned for non-positive reservations or releases.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Ledger mutates wallet purses inside a unit of work.
type Ledger struct {
	logger *slog.Logger
}

// New creates a ledger. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{logger: logger}
}

// ReserveMargin debits amount from purse. It fails with ErrInsufficientFunds
// unless balance × pct / 100 covers amount; the wallet is then left untouched.
// Returns the purse balance after the debit.
func (l *Ledger) ReserveMargin(ctx context.Context, tx store.Tx, purse model.Purse, amount, pct decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	w, err := tx.Wallet(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	balance := w.Balance(purse)
	authorized := risk.AuthorizedMargin(balance, pct)
	if authorized.LessThan(amount) {
		return decimal.Zero, fmt.Errorf("%w: %s purse authorizes %s, need %s",
			ErrInsufficientFunds, purse, authorized.StringFixed(2), amount.StringFixed(2))
	}

	after := balance.Sub(amount)
	w.SetBalance(purse, after)
	if err := tx.SaveWallet(ctx, w); err != nil {
		return decimal.Zero, err
	}
	return after, nil
}

// Credit is the outcome of a purse credit or debit.
type Credit struct {
	Balance   decimal.Decimal // purse balance after the movement
	Clamped   bool            // the movement would have driven the purse negative
	Shortfall decimal.Decimal // amount the clamp absorbed, zero unless Clamped
}

// ReleaseMargin credits amount + pnl back to purse. A loss larger than the
// purse can absorb clamps the purse to zero.
func (l *Ledger) ReleaseMargin(ctx context.Context, tx store.Tx, purse model.Purse, amount, pnl decimal.Decimal) (Credit, error) {
	if !amount.IsPositive() {
		return Credit{}, ErrInvalidAmount
	}
	return l.credit(ctx, tx, purse, amount.Add(pnl), "release")
}

// ApplyFundingFee credits (positive) or debits (negative) a funding amount
// with the same clamp rule as ReleaseMargin.
func (l *Ledger) ApplyFundingFee(ctx context.Context, tx store.Tx, purse model.Purse, signed decimal.Decimal) (Credit, error) {
	if signed.IsZero() {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return Credit{}, err
		}
		return Credit{Balance: w.Balance(purse)}, nil
	}
	return l.credit(ctx, tx, purse, signed, "funding")
}

// credit stages the movement only. Nothing here is observable outside the
// unit of work, which may still roll back or be retried.
func (l *Ledger) credit(ctx context.Context, tx store.Tx, purse model.Purse, delta decimal.Decimal, reason string) (Credit, error) {
	w, err := tx.Wallet(ctx)
	if err != nil {
		return Credit{}, err
	}

	before := w.Balance(purse)
	res := Credit{Balance: before.Add(delta)}
	if res.Balance.IsNegative() {
		l.logger.Debug("clamping purse",
			"user", w.UserID,
			"purse", purse,
			"reason", reason,
			"balance", before.String(),
			"delta", delta.String(),
		)
		res.Shortfall = res.Balance.Neg()
		res.Balance = decimal.Zero
		res.Clamped = true
	}

	w.SetBalance(purse, res.Balance)
	if err := tx.SaveWallet(ctx, w); err != nil {
		return Credit{}, err
	}
	return res, nil
}
