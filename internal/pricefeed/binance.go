package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/pair"
)

// DefaultBinanceURL is the USDⓈ-M futures combined stream endpoint.
const DefaultBinanceURL = "wss://fstream.binance.com/stream"

// markPriceUpdate is the payload of a <symbol>@markPrice stream message.
type markPriceUpdate struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	MarkPrice decimal.Decimal `json:"p"`
}

// combinedMessage wraps payloads on the /stream endpoint.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   markPriceUpdate `json:"data"`
}

// BinanceStream keeps a Table current from Binance mark price streams,
// reconnecting with exponential backoff.
type BinanceStream struct {
	baseURL string
	pairs   []pair.Pair
	table   *Table
	logger  *slog.Logger
	dialer  *websocket.Dialer

	minBackoff  time.Duration
	maxBackoff  time.Duration
	readTimeout time.Duration
}

// NewBinanceStream subscribes to the mark price of each pair.
func NewBinanceStream(baseURL string, pairs []pair.Pair, table *Table, logger *slog.Logger) *BinanceStream {
	if baseURL == "" {
		baseURL = DefaultBinanceURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BinanceStream{
		baseURL:     baseURL,
		pairs:       pairs,
		table:       table,
		logger:      logger,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff:  time.Second,
		maxBackoff:  30 * time.Second,
		readTimeout: time.Minute,
	}
}

// URL returns the combined stream URL for the configured pairs.
func (b *BinanceStream) URL() string {
	streams := make([]string, 0, len(b.pairs))
	for _, p := range b.pairs {
		streams = append(streams, p.StreamName()+"@markPrice@1s")
	}
	return b.baseURL + "?streams=" + strings.Join(streams, "/")
}

// Run streams until ctx is cancelled.
func (b *BinanceStream) Run(ctx context.Context) error {
	if len(b.pairs) == 0 {
		return errors.New("pricefeed: no pairs to subscribe")
	}

	delay := b.minBackoff
	for {
		connected, err := b.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = b.minBackoff
		}
		b.logger.Warn("mark price stream disconnected", "err", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.maxBackoff {
			delay = b.maxBackoff
		}
	}
}

// session runs one connection until it fails. connected reports whether the
// handshake succeeded.
func (b *BinanceStream) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := b.dialer.DialContext(ctx, b.URL(), nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	b.logger.Info("mark price stream connected", "pairs", len(b.pairs))
	for {
		if b.readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(b.readTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		if err := b.handle(data); err != nil {
			b.logger.Debug("mark price message ignored", "err", err)
		}
	}
}

func (b *BinanceStream) handle(data []byte) error {
	var msg combinedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	update := msg.Data
	if msg.Stream == "" {
		// Raw /ws endpoint: the payload is not wrapped.
		if err := json.Unmarshal(data, &update); err != nil {
			return err
		}
	}
	if update.Symbol == "" || !update.MarkPrice.IsPositive() {
		return fmt.Errorf("unexpected message %.64q", data)
	}
	b.table.Set(update.Symbol, update.MarkPrice)
	return nil
}
