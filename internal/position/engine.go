// Package position implements the leveraged position lifecycle.
//
// A position is opened, then ends either closed by its owner or liquidated
// by the sweep. While open, a futures position may be flagged expired and a
// perpetual position pays or receives funding. Every transition reads the
// position and mutates it, together with the wallet, inside one store unit of
// work; events are emitted only after that unit commits.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/apperr"
	"github.com/atmx/perp-engine/internal/ledger"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/notify"
	"github.com/atmx/perp-engine/internal/risk"
	"github.com/atmx/perp-engine/internal/store"
)

// Emitter accepts committed events. notify.Outbox implements it.
type Emitter interface {
	Emit(ev model.Event)
}

// Engine runs position transitions against a store.
type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	limiter *limits.ExposureLimiter
	events  Emitter
	logger  *slog.Logger

	now      func() time.Time
	newID    func() string
	attempts int
	backoff  time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimiter enables exposure caps on open.
func WithLimiter(l *limits.ExposureLimiter) Option { return func(e *Engine) { e.limiter = l } }

// WithEmitter sets the event destination. Without one, events are discarded.
func WithEmitter(em Emitter) Option { return func(e *Engine) { e.events = em } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRetry sets how often a unit of work is attempted after transient store
// failures, and the base of the linear backoff between attempts.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(e *Engine) {
		if attempts > 0 {
			e.attempts = attempts
		}
		e.backoff = backoff
	}
}

// NewEngine creates an engine over st.
func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		attempts: 3,
		backoff:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.ledger = ledger.New(e.logger)
	return e
}

// atomically runs fn in a unit of work for userID, retrying transient store
// failures with linear backoff. fn must be safe to re-run from scratch.
func (e *Engine) atomically(ctx context.Context, userID string, fn func(tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		err = e.store.Atomically(ctx, userID, fn)
		if !errors.Is(err, store.ErrTransient) {
			return err
		}
		if attempt == e.attempts {
			break
		}

		metrics.TransientRetries.Inc()
		wait := time.Duration(attempt) * e.backoff
		e.logger.Warn("unit of work retry", "user", userID, "attempt", attempt, "wait", wait, "err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %w", apperr.ErrTryAgain, err)
}

func (e *Engine) emit(name string, p *model.Position) {
	if e.events == nil {
		return
	}
	ev := notify.NewEvent(name, p)
	ev.At = e.now()
	e.events.Emit(ev)
}

// clamped records a committed purse clamp. Callers invoke it only after the
// unit of work has committed, so a retried or rolled back clamp is not counted.
func (e *Engine) clamped(p *model.Position, reason string, c ledger.Credit) {
	if !c.Clamped {
		return
	}
	purse := p.MarketKind.Purse()
	metrics.ClampedBalances.WithLabelValues(string(purse)).Inc()
	e.logger.Warn("ClampedBalance",
		"user", p.UserID,
		"position", p.ID,
		"purse", purse,
		"reason", reason,
		"shortfall", c.Shortfall.String(),
	)
}

// classify maps component errors onto the caller-facing taxonomy. Errors that
// already carry an apperr kind pass through.
func classify(err error) error {
	var ae *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ae):
		return err
	case errors.Is(err, store.ErrWalletNotFound):
		return fmt.Errorf("%w: %w", apperr.ErrWalletNotFound, err)
	case errors.Is(err, store.ErrPositionNotFound):
		return fmt.Errorf("%w: %w", apperr.ErrPositionNotFound, err)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", apperr.ErrInsufficientFunds, err)
	case errors.Is(err, limits.ErrPerPairLimitExceeded), errors.Is(err, limits.ErrOpenPositionsExceeded):
		return fmt.Errorf("%w: %w", apperr.ErrLimitExceeded, err)
	case errors.Is(err, risk.ErrInvalidInput), errors.Is(err, risk.ErrLeverageTooHigh):
		return fmt.Errorf("%w: %w", apperr.ErrInvalidInput, err)
	}
	return err
}

// observe records latency and, for rejections, the error code.
func observe(op string, start time.Time, err error) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OperationRejections.WithLabelValues(op, apperr.CodeOf(err)).Inc()
	}
}

// --- Queries ---

// ListOpenPositions returns the user's open positions, newest first. An empty
// kind lists both market kinds.
func (e *Engine) ListOpenPositions(ctx context.Context, userID string, kind model.MarketKind) ([]model.Position, error) {
	if err := checkListArgs(userID, kind); err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositions(ctx, userID, store.OpenFilter(kind))
	return positions, classify(err)
}

// ListPositionHistory returns the user's closed and liquidated positions,
// newest first.
func (e *Engine) ListPositionHistory(ctx context.Context, userID string, kind model.MarketKind) ([]model.Position, error) {
	if err := checkListArgs(userID, kind); err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositions(ctx, userID, store.HistoryFilter(kind))
	return positions, classify(err)
}

// AllOpenPositions returns every open position across users, oldest first.
func (e *Engine) AllOpenPositions(ctx context.Context) ([]model.Position, error) {
	return e.store.ListOpenPositions(ctx)
}

// GetWallet returns the user's wallet.
func (e *Engine) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId", apperr.ErrMissingField)
	}
	w, err := e.store.GetWallet(ctx, userID)
	return w, classify(err)
}

// FundingRates returns the funding rate table.
func (e *Engine) FundingRates(ctx context.Context) ([]model.FundingRate, error) {
	return e.store.FundingRates(ctx)
}

func checkListArgs(userID string, kind model.MarketKind) error {
	if userID == "" {
		return fmt.Errorf("%w: userId", apperr.ErrMissingField)
	}
	if kind != "" && !kind.Valid() {
		return fmt.Errorf("%w: unknown market kind %q", apperr.ErrInvalidInput, kind)
	}
	return nil
}
