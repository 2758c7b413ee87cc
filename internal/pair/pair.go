// Package pair handles trading-pair symbol parsing and normalisation.
//
// Symbols arrive as "BTCUSDT", "btc-usdt" or "BTC/USDT" depending on the
// client; the engine stores the compact upper-case form so that position rows,
// funding rates and mark prices share one key.
package pair

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported quote assets, longest first so "USDT" wins over "USD".
var quoteAssets = []string{"USDT", "USDC", "FDUSD", "BUSD", "USD", "BTC", "ETH"}

// symbolRegex matches an optional separator between base and quote.
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,12})[-/_]?([A-Z0-9]{2,12})?$`)

var (
	ErrInvalidPair   = errors.New("pair: invalid symbol")
	ErrUnknownQuote  = errors.New("pair: unsupported quote asset")
	ErrSameBaseQuote = errors.New("pair: base and quote are the same asset")
)

// Pair is a parsed trading pair.
type Pair struct {
	Symbol string `json:"symbol"` // compact form, e.g. BTCUSDT
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// String returns the compact symbol.
func (p Pair) String() string { return p.Symbol }

// StreamName returns the lower-case symbol used by exchange stream names.
func (p Pair) StreamName() string { return strings.ToLower(p.Symbol) }

// Parse parses and validates a pair symbol.
func Parse(raw string) (Pair, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	m := symbolRegex.FindStringSubmatch(s)
	if m == nil {
		return Pair{}, fmt.Errorf("%w: %q", ErrInvalidPair, raw)
	}

	base, quote := m[1], m[2]
	if quote == "" {
		var ok bool
		base, quote, ok = splitCompact(base)
		if !ok {
			return Pair{}, fmt.Errorf("%w: %q", ErrUnknownQuote, raw)
		}
	} else if !knownQuote(quote) {
		return Pair{}, fmt.Errorf("%w: %s", ErrUnknownQuote, quote)
	}

	if base == quote {
		return Pair{}, fmt.Errorf("%w: %s", ErrSameBaseQuote, base)
	}

	return Pair{Symbol: base + quote, Base: base, Quote: quote}, nil
}

// Normalize returns the compact symbol for raw, or raw upper-cased if it does
// not parse. Used for lookups where a bad key should simply miss.
func Normalize(raw string) string {
	p, err := Parse(raw)
	if err != nil {
		return strings.ToUpper(strings.TrimSpace(raw))
	}
	return p.Symbol
}

func splitCompact(s string) (base, quote string, ok bool) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return strings.TrimSuffix(s, q), q, true
		}
	}
	return "", "", false
}

func knownQuote(q string) bool {
	for _, known := range quoteAssets {
		if q == known {
			return true
		}
	}
	return false
}
