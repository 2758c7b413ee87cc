package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/notify"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/trade"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

type testEnv struct {
	store  *store.MemoryStore
	router chi.Router
}

// newTestEnv creates a Service over an in-memory store, mounted on a chi
// router the same way the server mounts it.
func newTestEnv(t *testing.T, opts ...position.Option) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := trade.NewService(position.NewEngine(ms, opts...), nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{store: ms, router: r}
}

func (e *testEnv) seedWallet(t *testing.T, userID, futures, perpetual string) {
	t.Helper()
	require.NoError(t, e.store.CreateWallet(context.Background(), &model.Wallet{
		UserID:           userID,
		FuturesBalance:   d(futures),
		PerpetualBalance: d(perpetual),
	}))
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(trade.UserHeader, userID)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
	return body["code"]
}

func btcLong() trade.OpenPositionRequest {
	return trade.OpenPositionRequest{
		Pair:         "BTCUSDT",
		MarketKind:   "futures",
		Side:         "long",
		Leverage:     dp("10"),
		EntryPrice:   d("50000"),
		Quantity:     d("0.1"),
		AssetsAmount: d("100"),
	}
}

func TestOpenPosition_Created(t *testing.T) {
	env := newTestEnv(t)
	env.seedWallet(t, "user1", "10000", "0")

	w := env.do(t, http.MethodPost, "/api/v1/positions", "user1", btcLong())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var p model.Position
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "user1", p.UserID)
	assert.Equal(t, model.StatusOpen, p.Status)
	assert.Equal(t, model.OrderMarket, p.OrderKind, "order kind defaults to market")
	assert.True(t, p.MarginUsed.Equal(d("500")))
	assert.True(t, p.LiquidationPrice.Equal(d("45000")))
	assert.NotNil(t, p.ExpiryTime)

	w = env.do(t, http.MethodGet, "/api/v1/wallet", "user1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var wallet model.Wallet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &wallet))
	assert.True(t, wallet.FuturesBalance.Equal(d("9500")))
}

func TestOpenPosition_AmountInUSDT(t *testing.T) {
	env := newTestEnv(t)
	env.seedWallet(t, "user1", "0", "1000")

	w := env.do(t, http.MethodPost, "/api/v1/positions", "user1", trade.OpenPositionRequest{
		Pair:         "ETHUSDT",
		MarketKind:   "perpetual",
		Side:         "short",
		OrderKind:    "limit",
		Leverage:     dp("5"),
		EntryPrice:   d("2000"),
		AmountInUSDT: d("1000"),
		AssetsAmount: d("50"),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var p model.Position
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.True(t, p.Quantity.Equal(d("0.5")))
	assert.True(t, p.MarginUsed.Equal(d("200")))
	assert.Nil(t, p.ExpiryTime)
}

func TestOpenPosition_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *trade.OpenPositionRequest)
		status int
		code   string
	}{
		{"missing pair", func(r *trade.OpenPositionRequest) { r.Pair = "" }, http.StatusBadRequest, "MissingField"},
		{"missing leverage", func(r *trade.OpenPositionRequest) { r.Leverage = nil }, http.StatusBadRequest, "MissingField"},
		{"zero leverage", func(r *trade.OpenPositionRequest) { r.Leverage = dp("0") }, http.StatusBadRequest, "InvalidInput"},
		{"zero leverage after bad side", func(r *trade.OpenPositionRequest) { r.Leverage = dp("0"); r.Side = "up" }, http.StatusBadRequest, "InvalidSide"},
		{"invalid side", func(r *trade.OpenPositionRequest) { r.Side = "up" }, http.StatusBadRequest, "InvalidSide"},
		{"unknown market kind", func(r *trade.OpenPositionRequest) { r.MarketKind = "options" }, http.StatusBadRequest, "InvalidInput"},
		{"both sizes", func(r *trade.OpenPositionRequest) { r.AmountInUSDT = d("100") }, http.StatusBadRequest, "InvalidInput"},
		{"not enough authorized", func(r *trade.OpenPositionRequest) { r.AssetsAmount = d("1") }, http.StatusBadRequest, "InsufficientFunds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seedWallet(t, "user1", "10000", "0")

			req := btcLong()
			tt.mutate(&req)
			w := env.do(t, http.MethodPost, "/api/v1/positions", "user1", req)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}
}

func TestOpenPosition_WalletNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/positions", "ghost", btcLong())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "WalletNotFound", errorCode(t, w))
}

func TestOpenPosition_InvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/positions", strings.NewReader(`{"leverage":"ten"}`))
	req.Header.Set(trade.UserHeader, "user1")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequireUser(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/v1/positions", "/api/v1/positions/history", "/api/v1/wallet", "/api/v1/funding-rates"} {
		w := env.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := env.do(t, http.MethodPost, "/api/v1/positions", "", btcLong())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClosePosition(t *testing.T) {
	env := newTestEnv(t)
	env.seedWallet(t, "user1", "10000", "0")

	w := env.do(t, http.MethodPost, "/api/v1/positions", "user1", btcLong())
	require.Equal(t, http.StatusCreated, w.Code)
	var p model.Position
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	closePath := "/api/v1/positions/" + p.ID + "/close"

	// Someone else's position looks absent.
	w = env.do(t, http.MethodPost, closePath, "user2", trade.ClosePositionRequest{ClosePrice: "51000"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", errorCode(t, w))

	w = env.do(t, http.MethodPost, closePath, "user1", trade.ClosePositionRequest{ClosePrice: "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "InvalidClosePrice", errorCode(t, w))

	w = env.do(t, http.MethodPost, closePath, "user1", trade.ClosePositionRequest{ClosePrice: "51000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res position.CloseResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, p.ID, res.PositionID)
	// (51000-50000) × 0.1 × 10
	assert.True(t, res.ProfitLoss.Equal(d("1000")), res.ProfitLoss.String())
	assert.True(t, res.Balance.Equal(d("11000")), res.Balance.String())

	w = env.do(t, http.MethodPost, closePath, "user1", trade.ClosePositionRequest{ClosePrice: "51000"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "AlreadyClosed", errorCode(t, w))
}

func TestListPositions(t *testing.T) {
	env := newTestEnv(t)
	env.seedWallet(t, "user1", "100000", "100000")

	perp := btcLong()
	perp.MarketKind = "perpetual"
	for _, req := range []trade.OpenPositionRequest{btcLong(), btcLong(), perp} {
		w := env.do(t, http.MethodPost, "/api/v1/positions", "user1", req)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	list := func(path string) []model.Position {
		w := env.do(t, http.MethodGet, path, "user1", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var out []model.Position
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		return out
	}

	open := list("/api/v1/positions")
	assert.Len(t, open, 3)
	assert.Len(t, list("/api/v1/positions?market_kind=futures"), 2)
	assert.Len(t, list("/api/v1/positions?market_kind=perpetual"), 1)

	w := env.do(t, http.MethodPost, "/api/v1/positions/"+open[0].ID+"/close", "user1",
		trade.ClosePositionRequest{ClosePrice: "50000"})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Len(t, list("/api/v1/positions"), 2)
	hist := list("/api/v1/positions/history")
	require.Len(t, hist, 1)
	assert.Equal(t, model.StatusClosed, hist[0].Status)

	// Empty lists encode as [] rather than null.
	w = env.do(t, http.MethodGet, "/api/v1/positions/history", "user2", nil)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/positions?market_kind=options", "user1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFundingRates(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/funding-rates", "user1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	require.NoError(t, env.store.SetFundingRate(context.Background(), "ETHUSDT", d("-0.005")))
	require.NoError(t, env.store.SetFundingRate(context.Background(), "BTCUSDT", d("0.01")))

	w = env.do(t, http.MethodGet, "/api/v1/funding-rates", "user1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rates []model.FundingRate
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rates))
	require.Len(t, rates, 2)
	assert.Equal(t, "BTCUSDT", rates[0].Pair)
	assert.True(t, rates[1].Rate.Equal(d("-0.005")))
}

// --- WebSocket ---

func dialWS(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	before := testutil.ToFloat64(metrics.WebSocketClients)
	header := http.Header{}
	header.Set(trade.UserHeader, userID)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/ws", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.WebSocketClients) >= before+1
	}, 2*time.Second, 5*time.Millisecond, "client never registered")
	return conn
}

func TestWSHub_DeliversOwnEventsOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := trade.NewWSHub(nil)
	go hub.Run(ctx)

	outbox := notify.NewOutbox(16, nil)
	go notify.NewDispatcher(outbox, nil, hub).Run(ctx)

	ms := store.NewMemoryStore()
	svc := trade.NewService(position.NewEngine(ms, position.WithEmitter(outbox)), nil)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.Routes(r)
		r.With(trade.RequireUser).Get("/ws", hub.HandleWS)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	alice := dialWS(t, srv, "alice")
	bob := dialWS(t, srv, "bob")

	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, ms.CreateWallet(ctx, &model.Wallet{UserID: u, FuturesBalance: d("10000")}))
	}

	open := func(user string) {
		body, err := json.Marshal(btcLong())
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/positions", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(trade.UserHeader, user)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	open("bob")
	open("alice")

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg trade.WSMessage
	require.NoError(t, alice.ReadJSON(&msg))
	assert.Equal(t, model.EventNewPosition, msg.Type)
	require.NotNil(t, msg.Position)
	assert.Equal(t, "alice", msg.Position.UserID, "bob's event must not reach alice")

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, bob.ReadJSON(&msg))
	assert.Equal(t, "bob", msg.Position.UserID)
}

func TestWSHub_RejectsAnonymous(t *testing.T) {
	hub := trade.NewWSHub(nil)
	r := chi.NewRouter()
	r.With(trade.RequireUser).Get("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSHub_PublishWhenBusy(t *testing.T) {
	hub := trade.NewWSHub(nil) // not running: nothing drains the buffer
	ev := notify.NewEvent(model.EventPositionClosed, &model.Position{ID: "p1", UserID: "u1"})

	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		err = hub.Publish(context.Background(), ev)
	}
	assert.ErrorIs(t, err, trade.ErrHubBusy)
	assert.Equal(t, "ws", hub.Name())
}
