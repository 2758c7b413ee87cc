// Package store defines the persistence interface for the position engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// Every mutation happens inside a unit of work opened with Atomically. A unit
// of work is scoped to one user: it serializes against every other unit of
// work for that user, and its wallet and position writes commit together or
// not at all.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrWalletNotFound is returned when the user has no wallet.
	ErrWalletNotFound = errors.New("store: wallet not found")

	// ErrWalletExists is returned by CreateWallet for a duplicate user.
	ErrWalletExists = errors.New("store: wallet already exists")

	// ErrPositionNotFound is returned when a position does not exist or is
	// not owned by the unit of work's user.
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrTransient marks lock contention or write conflicts that are safe to
	// retry from the start of the unit of work.
	ErrTransient = errors.New("store: transient conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Atomically runs fn as a single unit of work for userID. If fn returns
	// an error nothing it wrote is kept.
	Atomically(ctx context.Context, userID string, fn func(tx Tx) error) error

	// --- Wallets ---

	// CreateWallet provisions a wallet with its opening balances.
	CreateWallet(ctx context.Context, w *model.Wallet) error

	// GetWallet returns a snapshot of the user's wallet.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// --- Positions ---

	// ListPositions returns the user's positions matching filter, newest first.
	ListPositions(ctx context.Context, userID string, filter PositionFilter) ([]model.Position, error)

	// ListOpenPositions returns every open position across all users, oldest
	// first. Used by the sweep.
	ListOpenPositions(ctx context.Context) ([]model.Position, error)

	// --- Funding rates (read-only) ---

	// FundingRates returns the externally maintained funding rate table.
	FundingRates(ctx context.Context) ([]model.FundingRate, error)
}

// Tx is the view of the store inside a unit of work. Reads lock what they
// return until the unit of work ends.
type Tx interface {
	// Wallet returns the user's wallet.
	Wallet(ctx context.Context) (*model.Wallet, error)

	// SaveWallet writes the purse balances of w.
	SaveWallet(ctx context.Context, w *model.Wallet) error

	// Position returns one of the user's positions by ID.
	Position(ctx context.Context, id string) (*model.Position, error)

	// OpenPositions returns the user's open positions.
	OpenPositions(ctx context.Context) ([]model.Position, error)

	// InsertPosition persists a new position.
	InsertPosition(ctx context.Context, p *model.Position) error

	// UpdatePosition writes the mutable fields of an existing position.
	UpdatePosition(ctx context.Context, p *model.Position) error
}

// PositionFilter narrows ListPositions. Zero values match everything.
type PositionFilter struct {
	Statuses   []model.Status
	MarketKind model.MarketKind
}

// Match reports whether p passes the filter.
func (f PositionFilter) Match(p *model.Position) bool {
	if f.MarketKind != "" && p.MarketKind != f.MarketKind {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if p.Status == s {
			return true
		}
	}
	return false
}

// key is a stable cache key for the filter.
func (f PositionFilter) key() string {
	k := string(f.MarketKind) + "|"
	for _, s := range f.Statuses {
		k += string(s) + ","
	}
	return k
}

// OpenFilter matches open positions.
func OpenFilter(kind model.MarketKind) PositionFilter {
	return PositionFilter{Statuses: []model.Status{model.StatusOpen}, MarketKind: kind}
}

// HistoryFilter matches closed and liquidated positions.
func HistoryFilter(kind model.MarketKind) PositionFilter {
	return PositionFilter{
		Statuses:   []model.Status{model.StatusClosed, model.StatusLiquidated},
		MarketKind: kind,
	}
}

// FundingRateWriter is implemented by stores that can seed the funding rate
// table. The engine never writes rates; provisioning and tests do.
type FundingRateWriter interface {
	SetFundingRate(ctx context.Context, pair string, rate decimal.Decimal) error
}
