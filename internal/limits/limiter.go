// Package limits enforces exposure caps on new positions.
//
// Caps are checked against the user's open positions inside the same unit of
// work that reserves margin, so two concurrent opens cannot both slip under a
// cap.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrPerPairLimitExceeded is returned when a new position would push the
	// user's open notional in one pair beyond MaxNotionalPerPair.
	ErrPerPairLimitExceeded = errors.New("limits: per-pair notional limit exceeded")

	// ErrOpenPositionsExceeded is returned when the user already holds
	// MaxOpenPositions open positions in the market kind.
	ErrOpenPositionsExceeded = errors.New("limits: too many open positions")
)

// ExposureLimiter caps open exposure per user. A zero value for any field
// disables that check.
type ExposureLimiter struct {
	// MaxNotionalPerPair is the maximum summed notional (qty × entry) of open
	// positions in a single pair and market kind.
	MaxNotionalPerPair decimal.Decimal

	// MaxOpenPositions is the maximum number of open positions per market kind.
	MaxOpenPositions int
}

// NewExposureLimiter creates a limiter. Pass zero values to disable checks.
func NewExposureLimiter(maxNotionalPerPair decimal.Decimal, maxOpen int) *ExposureLimiter {
	if maxOpen < 0 {
		maxOpen = 0
	}
	return &ExposureLimiter{
		MaxNotionalPerPair: maxNotionalPerPair,
		MaxOpenPositions:   maxOpen,
	}
}

// CheckLimit validates whether a new position respects the caps.
//
// Parameters:
//   - candidate: the position about to be opened
//   - open: the user's currently open positions (any kind, any pair)
//
// Returns nil if the position is within limits.
func (l *ExposureLimiter) CheckLimit(candidate *model.Position, open []model.Position) error {
	if l == nil {
		return nil
	}

	count := 0
	notional := candidate.Notional()
	for i := range open {
		p := &open[i]
		if !p.IsOpen() || p.MarketKind != candidate.MarketKind {
			continue
		}
		count++
		if p.Pair == candidate.Pair {
			notional = notional.Add(p.Notional())
		}
	}

	if l.MaxOpenPositions > 0 && count >= l.MaxOpenPositions {
		return ErrOpenPositionsExceeded
	}
	if l.MaxNotionalPerPair.IsPositive() && notional.GreaterThan(l.MaxNotionalPerPair) {
		return ErrPerPairLimitExceeded
	}
	return nil
}
