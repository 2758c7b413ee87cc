// Package pricefeed maintains the latest mark price per pair.
//
// A Table is fed either by a live exchange stream (BinanceStream) or by a
// static seed from configuration. The liquidation sweep reads it through
// Snapshot, which only returns prices younger than the table's max age: a
// stale or missing price means the pair is skipped that cycle.
package pricefeed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/pair"
)

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// Table is a concurrency-safe pair → mark price map with staleness.
type Table struct {
	mu     sync.RWMutex
	quotes map[string]quote
	maxAge time.Duration
	now    func() time.Time
}

// NewTable creates a table. A maxAge of zero never expires prices.
func NewTable(maxAge time.Duration) *Table {
	return &Table{
		quotes: make(map[string]quote),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Set records price for pair as of now. Non-positive prices are ignored.
func (t *Table) Set(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	key := pair.Normalize(symbol)

	t.mu.Lock()
	t.quotes[key] = quote{price: price, at: t.now()}
	t.mu.Unlock()

	metrics.MarkPriceUpdates.WithLabelValues(key).Inc()
}

// MarkPrice returns the fresh mark price for pair.
func (t *Table) MarkPrice(symbol string) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	q, ok := t.quotes[pair.Normalize(symbol)]
	if !ok || t.stale(q) {
		return decimal.Zero, false
	}
	return q.price, true
}

// Snapshot returns every fresh price.
func (t *Table) Snapshot() map[string]decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(t.quotes))
	for k, q := range t.quotes {
		if !t.stale(q) {
			out[k] = q.price
		}
	}
	return out
}

func (t *Table) stale(q quote) bool {
	return t.maxAge > 0 && t.now().Sub(q.at) > t.maxAge
}
