// Package notify delivers position events to subscribers.
//
// The engine emits events into an Outbox only after the unit of work that
// produced them has committed. Emitting never blocks: a full outbox drops the
// event and counts it. A Dispatcher drains the outbox and fans each event out
// to every registered Sink.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

// Sink receives committed events. Implementations must be safe for use by
// one dispatcher goroutine.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev model.Event) error
}

// NewEvent builds an event for p with a fresh sortable ID.
func NewEvent(name string, p *model.Position) model.Event {
	return model.Event{
		ID:         ulid.Make().String(),
		Name:       name,
		UserID:     p.UserID,
		Pair:       p.Pair,
		MarketKind: string(p.MarketKind),
		Position:   p.Clone(),
		At:         time.Now().UTC(),
	}
}

// Outbox is a bounded, non-blocking event queue.
type Outbox struct {
	ch     chan model.Event
	logger *slog.Logger
}

// NewOutbox creates an outbox holding up to size undelivered events.
func NewOutbox(size int, logger *slog.Logger) *Outbox {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{ch: make(chan model.Event, size), logger: logger}
}

// Emit enqueues ev, dropping it if the outbox is full.
func (o *Outbox) Emit(ev model.Event) {
	select {
	case o.ch <- ev:
	default:
		metrics.NotificationsDropped.WithLabelValues("outbox_full").Inc()
		o.logger.Warn("notification dropped", "event", ev.Name, "id", ev.ID, "user", ev.UserID)
	}
}

// Len reports how many events are waiting.
func (o *Outbox) Len() int { return len(o.ch) }

// Dispatcher drains an outbox into sinks.
type Dispatcher struct {
	outbox       *Outbox
	sinks        []Sink
	logger       *slog.Logger
	drainTimeout time.Duration
}

// NewDispatcher creates a dispatcher. A nil logger uses slog.Default().
func NewDispatcher(outbox *Outbox, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		outbox:       outbox,
		sinks:        sinks,
		logger:       logger,
		drainTimeout: 2 * time.Second,
	}
}

// Run delivers events until ctx is cancelled, then delivers whatever is
// already buffered (bounded by a short timeout) and returns nil.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-d.outbox.ch:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-d.outbox.ch:
			d.deliver(ctx, ev)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev model.Event) {
	for _, s := range d.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			metrics.NotificationsDropped.WithLabelValues("sink_" + s.Name()).Inc()
			d.logger.Warn("sink publish failed", "sink", s.Name(), "event", ev.Name, "id", ev.ID, "err", err)
			continue
		}
		metrics.NotificationsPublished.WithLabelValues(s.Name()).Inc()
	}
}
