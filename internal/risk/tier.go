package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier bounds a leverage band. Futures opened in a tier expire after Horizon.
type Tier struct {
	MaxLeverage decimal.Decimal
	Horizon     time.Duration
}

// Tiers is ordered by MaxLeverage ascending. Higher leverage gets a shorter
// horizon.
var Tiers = []Tier{
	{MaxLeverage: decimal.NewFromInt(5), Horizon: 30 * 24 * time.Hour},
	{MaxLeverage: decimal.NewFromInt(10), Horizon: 7 * 24 * time.Hour},
	{MaxLeverage: decimal.NewFromInt(25), Horizon: 72 * time.Hour},
	{MaxLeverage: decimal.NewFromInt(50), Horizon: 24 * time.Hour},
	{MaxLeverage: decimal.NewFromInt(125), Horizon: 8 * time.Hour},
}

// MaxLeverage is the top tier's bound.
func MaxLeverage() decimal.Decimal { return Tiers[len(Tiers)-1].MaxLeverage }

// TierFor returns the tier containing leverage.
func TierFor(leverage decimal.Decimal) (Tier, error) {
	if leverage.LessThan(one) {
		return Tier{}, ErrInvalidInput
	}
	for _, t := range Tiers {
		if leverage.LessThanOrEqual(t.MaxLeverage) {
			return t, nil
		}
	}
	return Tier{}, ErrLeverageTooHigh
}
