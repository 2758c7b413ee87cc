package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Margin ---

func TestRequiredMargin_BTCLong(t *testing.T) {
	m, err := RequiredMargin(d(0.1), d(50000), d(10))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Equal(d(500)) {
		t.Errorf("expected margin 500, got %s", m)
	}
}

func TestRequiredMargin_InvalidInputs(t *testing.T) {
	cases := []struct {
		name            string
		qty, price, lev float64
	}{
		{"zero leverage", 1, 100, 0},
		{"negative leverage", 1, 100, -5},
		{"zero quantity", 0, 100, 5},
		{"negative price", 1, -100, 5},
	}
	for _, tc := range cases {
		if _, err := RequiredMargin(d(tc.qty), d(tc.price), d(tc.lev)); err != ErrInvalidInput {
			t.Errorf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

// --- Liquidation price ---

func TestLiquidationPrice_Long(t *testing.T) {
	p, err := LiquidationPrice(d(50000), d(10), model.SideLong)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d(45000)) {
		t.Errorf("expected 45000, got %s", p)
	}
}

func TestLiquidationPrice_Short(t *testing.T) {
	p, err := LiquidationPrice(d(2000), d(5), model.SideShort)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d(2400)) {
		t.Errorf("expected 2400, got %s", p)
	}
}

func TestLiquidationPrice_OneXLongIsZero(t *testing.T) {
	p, _ := LiquidationPrice(d(100), d(1), model.SideLong)
	if !p.IsZero() {
		t.Errorf("1x long should never liquidate above zero, got %s", p)
	}
}

// --- PnL ---

func TestRealizedPnL_ShortProfitScalesWithLeverage(t *testing.T) {
	pnl := RealizedPnL(d(2000), d(1800), d(0.5), d(5), model.SideShort)
	if !pnl.Equal(d(500)) {
		t.Errorf("expected 500, got %s", pnl)
	}
}

func TestRealizedPnL_LongLoss(t *testing.T) {
	pnl := RealizedPnL(d(50000), d(49000), d(0.1), d(10), model.SideLong)
	if !pnl.Equal(d(-1000)) {
		t.Errorf("expected -1000, got %s", pnl)
	}
}

func TestRealizedPnL_SymmetricSides(t *testing.T) {
	long := RealizedPnL(d(100), d(110), d(2), d(3), model.SideLong)
	short := RealizedPnL(d(100), d(110), d(2), d(3), model.SideShort)
	if !long.Add(short).IsZero() {
		t.Errorf("long and short PnL should cancel: %s + %s", long, short)
	}
}

func TestLiquidationLoss_FloorsAtMargin(t *testing.T) {
	p := &model.Position{
		Side:             model.SideLong,
		EntryPrice:       d(50000),
		Quantity:         d(0.1),
		Leverage:         d(10),
		MarginUsed:       d(500),
		LiquidationPrice: d(45000),
	}
	loss := LiquidationLoss(p)
	if !loss.Equal(d(-500)) {
		t.Errorf("expected -500, got %s", loss)
	}
}

func TestShouldLiquidate(t *testing.T) {
	if !ShouldLiquidate(model.SideLong, d(44000), d(45000)) {
		t.Error("long should liquidate below liquidation price")
	}
	if !ShouldLiquidate(model.SideLong, d(45000), d(45000)) {
		t.Error("long should liquidate at liquidation price")
	}
	if ShouldLiquidate(model.SideLong, d(45001), d(45000)) {
		t.Error("long should not liquidate above liquidation price")
	}
	if !ShouldLiquidate(model.SideShort, d(2400), d(2400)) {
		t.Error("short should liquidate at liquidation price")
	}
	if ShouldLiquidate(model.SideShort, d(2399), d(2400)) {
		t.Error("short should not liquidate below liquidation price")
	}
}

// --- Sizing ---

func TestQuantityFromNotional(t *testing.T) {
	q, err := QuantityFromNotional(d(1000), d(2000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.Equal(d(0.5)) {
		t.Errorf("expected 0.5, got %s", q)
	}
	if _, err := QuantityFromNotional(d(0), d(2000)); err != ErrInvalidInput {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAuthorizedMargin(t *testing.T) {
	got := AuthorizedMargin(d(1000), d(25))
	if !got.Equal(d(250)) {
		t.Errorf("expected 250, got %s", got)
	}
}

// --- Funding ---

func TestFundingPaid_Signs(t *testing.T) {
	if got := FundingPaid(model.SideLong, d(200), d(0.5)); !got.Equal(d(1)) {
		t.Errorf("long should pay 1, got %s", got)
	}
	if got := FundingPaid(model.SideShort, d(200), d(0.5)); !got.Equal(d(-1)) {
		t.Errorf("short should receive 1, got %s", got)
	}
	if got := FundingPaid(model.SideLong, d(200), d(-0.5)); !got.Equal(d(-1)) {
		t.Errorf("long should receive on negative rate, got %s", got)
	}
}

// --- Tiers ---

func TestTierFor(t *testing.T) {
	cases := []struct {
		lev     float64
		horizon time.Duration
	}{
		{1, 30 * 24 * time.Hour},
		{5, 30 * 24 * time.Hour},
		{10, 7 * 24 * time.Hour},
		{20, 72 * time.Hour},
		{50, 24 * time.Hour},
		{125, 8 * time.Hour},
	}
	for _, tc := range cases {
		tier, err := TierFor(d(tc.lev))
		if err != nil {
			t.Errorf("leverage %v: unexpected error: %v", tc.lev, err)
			continue
		}
		if tier.Horizon != tc.horizon {
			t.Errorf("leverage %v: expected horizon %v, got %v", tc.lev, tc.horizon, tier.Horizon)
		}
	}
}

func TestTierFor_OutOfRange(t *testing.T) {
	if _, err := TierFor(d(0.5)); err != ErrInvalidInput {
		t.Errorf("expected ErrInvalidInput below 1x, got %v", err)
	}
	if _, err := TierFor(d(126)); err != ErrLeverageTooHigh {
		t.Errorf("expected ErrLeverageTooHigh above top tier, got %v", err)
	}
	if !MaxLeverage().Equal(d(125)) {
		t.Errorf("expected max leverage 125, got %s", MaxLeverage())
	}
}
