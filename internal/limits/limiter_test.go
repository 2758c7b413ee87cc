package limits

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func pos(pair string, kind model.MarketKind, qty, price float64) model.Position {
	return model.Position{
		Pair:       pair,
		MarketKind: kind,
		Quantity:   d(qty),
		EntryPrice: d(price),
		Status:     model.StatusOpen,
	}
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewExposureLimiter(d(100000), 5)
	c := pos("BTCUSDT", model.MarketFutures, 1, 50000)

	if err := limiter.CheckLimit(&c, nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerPairExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(100000), 0)
	existing := []model.Position{pos("BTCUSDT", model.MarketFutures, 1.5, 50000)}
	c := pos("BTCUSDT", model.MarketFutures, 1, 50000)

	if err := limiter.CheckLimit(&c, existing); err != ErrPerPairLimitExceeded {
		t.Errorf("expected ErrPerPairLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherPairOrKindNotCounted(t *testing.T) {
	limiter := NewExposureLimiter(d(100000), 0)
	existing := []model.Position{
		pos("ETHUSDT", model.MarketFutures, 40, 2000),
		pos("BTCUSDT", model.MarketPerpetual, 1.5, 50000),
	}
	c := pos("BTCUSDT", model.MarketFutures, 1, 50000)

	if err := limiter.CheckLimit(&c, existing); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_ClosedPositionsIgnored(t *testing.T) {
	limiter := NewExposureLimiter(d(100000), 1)
	closed := pos("BTCUSDT", model.MarketFutures, 1.5, 50000)
	closed.Status = model.StatusClosed
	c := pos("BTCUSDT", model.MarketFutures, 1, 50000)

	if err := limiter.CheckLimit(&c, []model.Position{closed}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_MaxOpenPositions(t *testing.T) {
	limiter := NewExposureLimiter(decimal.Zero, 2)
	existing := []model.Position{
		pos("BTCUSDT", model.MarketPerpetual, 0.01, 50000),
		pos("ETHUSDT", model.MarketPerpetual, 0.1, 2000),
	}
	c := pos("SOLUSDT", model.MarketPerpetual, 1, 100)

	if err := limiter.CheckLimit(&c, existing); err != ErrOpenPositionsExceeded {
		t.Errorf("expected ErrOpenPositionsExceeded, got %v", err)
	}
}

func TestCheckLimit_NilLimiterDisabled(t *testing.T) {
	var limiter *ExposureLimiter
	c := pos("BTCUSDT", model.MarketFutures, 1000, 50000)
	if err := limiter.CheckLimit(&c, nil); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}
