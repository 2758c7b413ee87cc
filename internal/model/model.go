// Package model defines the core domain types shared across the position engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketKind selects the leveraged market a position lives in. Futures and
// perpetual positions share one shape; only expiry and funding differ.
type MarketKind string

const (
	MarketFutures   MarketKind = "futures"
	MarketPerpetual MarketKind = "perpetual"
)

// Valid reports whether k is a known market kind.
func (k MarketKind) Valid() bool {
	return k == MarketFutures || k == MarketPerpetual
}

// Purse returns the wallet purse that holds margin for this market kind.
func (k MarketKind) Purse() Purse {
	if k == MarketPerpetual {
		return PursePerpetual
	}
	return PurseFutures
}

// Expires reports whether positions of this kind carry a fixed horizon.
func (k MarketKind) Expires() bool { return k == MarketFutures }

// Funded reports whether positions of this kind pay periodic funding.
func (k MarketKind) Funded() bool { return k == MarketPerpetual }

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is long or short.
func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// OrderKind records how the position was requested. Entry prices always come
// from the caller; there is no matching.
type OrderKind string

const (
	OrderMarket OrderKind = "market"
	OrderLimit  OrderKind = "limit"
)

// Valid reports whether o is market or limit.
func (o OrderKind) Valid() bool { return o == OrderMarket || o == OrderLimit }

// Status is the lifecycle state of a position.
type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusLiquidated Status = "liquidated"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool { return s == StatusClosed || s == StatusLiquidated }

// Purse names one balance field of a wallet.
type Purse string

const (
	PurseSpot      Purse = "spot"
	PurseFutures   Purse = "futures"
	PursePerpetual Purse = "perpetual"
	PurseExchange  Purse = "exchange"
)

// Holding is a spot asset balance. Read-only from the engine's perspective.
type Holding struct {
	Asset    string          `json:"asset"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Wallet holds a user's balances across the four purses.
type Wallet struct {
	UserID           string          `json:"user_id"`
	SpotBalance      decimal.Decimal `json:"spot_balance"`
	FuturesBalance   decimal.Decimal `json:"futures_balance"`
	PerpetualBalance decimal.Decimal `json:"perpetual_balance"`
	ExchangeBalance  decimal.Decimal `json:"exchange_balance"`
	Holdings         []Holding       `json:"holdings"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Balance returns the balance of purse p.
func (w *Wallet) Balance(p Purse) decimal.Decimal {
	switch p {
	case PurseSpot:
		return w.SpotBalance
	case PurseFutures:
		return w.FuturesBalance
	case PursePerpetual:
		return w.PerpetualBalance
	case PurseExchange:
		return w.ExchangeBalance
	}
	return decimal.Zero
}

// SetBalance overwrites the balance of purse p. Only the ledger calls this.
func (w *Wallet) SetBalance(p Purse, v decimal.Decimal) {
	switch p {
	case PurseSpot:
		w.SpotBalance = v
	case PurseFutures:
		w.FuturesBalance = v
	case PursePerpetual:
		w.PerpetualBalance = v
	case PurseExchange:
		w.ExchangeBalance = v
	}
}

// Clone returns a deep copy of w.
func (w *Wallet) Clone() *Wallet {
	c := *w
	if w.Holdings != nil {
		c.Holdings = make([]Holding, len(w.Holdings))
		copy(c.Holdings, w.Holdings)
	}
	return &c
}

// Position is one leveraged long or short position.
type Position struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Pair             string           `json:"pair"`
	MarketKind       MarketKind       `json:"market_kind"`
	Side             Side             `json:"side"`
	OrderKind        OrderKind        `json:"order_kind"`
	Leverage         decimal.Decimal  `json:"leverage"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	Quantity         decimal.Decimal  `json:"quantity"`
	MarginUsed       decimal.Decimal  `json:"margin_used"`
	LiquidationPrice decimal.Decimal  `json:"liquidation_price"`
	AssetsAmountPct  decimal.Decimal  `json:"assets_amount_pct"`
	Status           Status           `json:"status"`
	IsExpired        bool             `json:"is_expired"`
	FundingAccrued   decimal.Decimal  `json:"funding_accrued"` // positive = paid by the position
	LastFundingAt    *time.Time       `json:"last_funding_at,omitempty"`
	ClosePrice       *decimal.Decimal `json:"close_price,omitempty"`
	ProfitLoss       *decimal.Decimal `json:"profit_loss,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
	ExpiryTime       *time.Time       `json:"expiry_time,omitempty"`
}

// IsOpen reports whether the position can still transition.
func (p *Position) IsOpen() bool { return p.Status == StatusOpen }

// Notional is quantity × entry price.
func (p *Position) Notional() decimal.Decimal { return p.Quantity.Mul(p.EntryPrice) }

// Clone returns a deep copy of p.
func (p *Position) Clone() *Position {
	c := *p
	if p.LastFundingAt != nil {
		t := *p.LastFundingAt
		c.LastFundingAt = &t
	}
	if p.ClosePrice != nil {
		v := *p.ClosePrice
		c.ClosePrice = &v
	}
	if p.ProfitLoss != nil {
		v := *p.ProfitLoss
		c.ProfitLoss = &v
	}
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	if p.ExpiryTime != nil {
		t := *p.ExpiryTime
		c.ExpiryTime = &t
	}
	return &c
}

// FundingRate is the periodic fee rate for one pair, in percent of margin.
// Maintained externally.
type FundingRate struct {
	Pair string          `json:"pair"`
	Rate decimal.Decimal `json:"rate"`
}

// Event names pushed to the notification sink.
const (
	EventNewPosition       = "newPosition"
	EventPositionClosed    = "positionClosed"
	EventLiquidationUpdate = "liquidationUpdate"
	EventPositionExpired   = "positionExpired"
)

// Event is a state change notification. Emitted only after the change commits.
type Event struct {
	ID         string    `json:"id"`
	Name       string    `json:"event"`
	UserID     string    `json:"user_id"`
	Pair       string    `json:"pair"`
	MarketKind string    `json:"market_kind"`
	Position   *Position `json:"position"`
	At         time.Time `json:"at"`
}
