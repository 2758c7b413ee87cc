// Package trade provides the HTTP handlers for opening, closing and listing
// leveraged positions, and the WebSocket hub that pushes position events.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/apperr"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

// UserHeader carries the authenticated user id, set by the upstream gateway.
const UserHeader = "X-User-ID"

type ctxKey struct{}

// Service exposes the position engine over HTTP.
type Service struct {
	engine *position.Engine
	logger *slog.Logger
}

// NewService creates a new trade service.
func NewService(engine *position.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, logger: logger}
}

// Routes mounts the position API on r. Every route requires a user.
func (s *Service) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireUser)
		r.Post("/positions", s.OpenPosition)
		r.Post("/positions/{positionID}/close", s.ClosePosition)
		r.Get("/positions", s.ListOpenPositions)
		r.Get("/positions/history", s.ListPositionHistory)
		r.Get("/wallet", s.GetWallet)
		r.Get("/funding-rates", s.FundingRates)
	})
}

// RequireUser rejects requests without a user header and stores the user id
// in the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

// UserID returns the user stored by RequireUser.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// --- Request/Response types ---

// OpenPositionRequest is the JSON body for POST /positions. Size is given as
// quantity or amount_in_usdt. Leverage is a pointer so an absent field is
// told apart from an explicit 0, which is out of range.
type OpenPositionRequest struct {
	Pair         string           `json:"pair"`
	MarketKind   string           `json:"market_kind"`
	Side         string           `json:"side"`
	OrderKind    string           `json:"order_kind"` // "market" when empty
	Leverage     *decimal.Decimal `json:"leverage"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	Quantity     decimal.Decimal  `json:"quantity"`
	AmountInUSDT decimal.Decimal  `json:"amount_in_usdt"`
	AssetsAmount decimal.Decimal  `json:"assets_amount"` // percent of the purse, 0–100
}

// ClosePositionRequest is the JSON body for POST /positions/{positionID}/close.
// The price stays a string so malformed values reach the engine's validation.
type ClosePositionRequest struct {
	ClosePrice string `json:"close_price"`
}

// --- HTTP Handlers ---

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Every other missing field is also MissingField, so checking this one
	// first cannot change which kind of rejection the caller sees.
	if req.Leverage == nil {
		s.fail(w, r, "open position", fmt.Errorf("%w: leverage", apperr.ErrMissingField))
		return
	}

	orderKind := model.OrderKind(req.OrderKind)
	if orderKind == "" {
		orderKind = model.OrderMarket
	}

	p, err := s.engine.OpenPosition(r.Context(), position.OpenRequest{
		UserID:          UserID(r.Context()),
		Pair:            req.Pair,
		MarketKind:      model.MarketKind(req.MarketKind),
		Side:            model.Side(req.Side),
		OrderKind:       orderKind,
		Leverage:        *req.Leverage,
		EntryPrice:      req.EntryPrice,
		Quantity:        req.Quantity,
		AmountInUSDT:    req.AmountInUSDT,
		AssetsAmountPct: req.AssetsAmount,
	})
	if err != nil {
		s.fail(w, r, "open position", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.engine.ClosePosition(r.Context(), UserID(r.Context()), chi.URLParam(r, "positionID"), req.ClosePrice)
	if err != nil {
		s.fail(w, r, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListOpenPositions handles GET /api/v1/positions
// Optionally filtered by ?market_kind=futures|perpetual.
func (s *Service) ListOpenPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.ListOpenPositions(r.Context(), UserID(r.Context()), marketKind(r))
	if err != nil {
		s.fail(w, r, "list open positions", err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListPositionHistory handles GET /api/v1/positions/history
func (s *Service) ListPositionHistory(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.ListPositionHistory(r.Context(), UserID(r.Context()), marketKind(r))
	if err != nil {
		s.fail(w, r, "list position history", err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// GetWallet handles GET /api/v1/wallet
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.engine.GetWallet(r.Context(), UserID(r.Context()))
	if err != nil {
		s.fail(w, r, "get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// FundingRates handles GET /api/v1/funding-rates
func (s *Service) FundingRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.engine.FundingRates(r.Context())
	if err != nil {
		s.fail(w, r, "funding rates", err)
		return
	}
	if rates == nil {
		rates = []model.FundingRate{}
	}
	writeJSON(w, http.StatusOK, rates)
}

func marketKind(r *http.Request) model.MarketKind {
	return model.MarketKind(r.URL.Query().Get("market_kind"))
}

// fail maps err to its status. Internal errors are logged and hidden.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", "user", UserID(r.Context()), "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeErrorCode(w, err.Error(), apperr.CodeOf(err), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErrorCode(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
