package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atmx/perp-engine/internal/model"
)

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("perp-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NATSSink publishes events as JSON on core NATS subjects of the form
// {prefix}.{event}.{market_kind}.{pair}.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink creates a sink. An empty prefix defaults to "perp.events".
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "perp.events"
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject ev is published on.
func (s *NATSSink) Subject(ev model.Event) string {
	return fmt.Sprintf("%s.%s.%s.%s", s.prefix, ev.Name, ev.MarketKind, ev.Pair)
}

func (s *NATSSink) Publish(_ context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.nc.Publish(s.Subject(ev), data)
}
