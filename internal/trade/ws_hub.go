package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
)

// ErrHubBusy is returned by Publish when the broadcast buffer is full.
var ErrHubBusy = errors.New("trade: websocket hub busy")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Position *model.Position `json:"position"`
	At       time.Time       `json:"at"`
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

type envelope struct {
	userID string
	data   []byte
}

// WSHub manages WebSocket connections and pushes each event to the
// connections of the user it belongs to. It implements notify.Sink.
type WSHub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan envelope
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	logger     *slog.Logger
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Name implements notify.Sink.
func (h *WSHub) Name() string { return "ws" }

// Publish implements notify.Sink. It never blocks on slow clients.
func (h *WSHub) Publish(_ context.Context, ev model.Event) error {
	data, err := json.Marshal(WSMessage{Type: ev.Name, ID: ev.ID, Position: ev.Position, At: ev.At})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- envelope{userID: ev.UserID, data: data}:
		return nil
	default:
		return ErrHubBusy
	}
}

// Run starts the hub's main event loop and returns when ctx is cancelled,
// closing every connection.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return nil

		case c := <-h.register:
			h.clients[c] = struct{}{}
			metrics.WebSocketClients.Inc()
			h.logger.Info("ws client connected", "user", c.userID, "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				if c.userID != msg.userID {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					// Client is not keeping up.
					h.drop(c)
				}
			}
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Dec()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin checks happen at the gateway.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. It must be
// mounted behind RequireUser.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, userID: UserID(r.Context()), send: make(chan []byte, 32)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *WSHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection. Pings keep it alive
// through proxies.
func (h *WSHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
