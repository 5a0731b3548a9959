// Package api exposes the portfolio engine over JSON/HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stockfolio/portfolio-engine/internal/currency"
	"github.com/stockfolio/portfolio-engine/internal/model"
	"github.com/stockfolio/portfolio-engine/internal/portfolio"
	"github.com/stockfolio/portfolio-engine/internal/quote"
	"github.com/stockfolio/portfolio-engine/internal/settlement"
	"github.com/stockfolio/portfolio-engine/internal/trade"
)

const (
	defaultInterval   = "1day"
	defaultOutputSize = 30
	maxOutputSize     = 5000
)

// Handler serves the /api routes.
type Handler struct {
	engine     *trade.Engine
	settlement *settlement.Service
	portfolio  *portfolio.Aggregator
	quotes     quote.Provider
	rounder    *currency.Rounder
	logger     *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(engine *trade.Engine, settle *settlement.Service, agg *portfolio.Aggregator, quotes quote.Provider, rounder *currency.Rounder, logger *zap.Logger) *Handler {
	return &Handler{
		engine:     engine,
		settlement: settle,
		portfolio:  agg,
		quotes:     quotes,
		rounder:    rounder,
		logger:     logger,
	}
}

// TransactionRequest is the JSON body for POST /api/transactions. Quantity
// is kept as a raw number so fractional or out-of-range values are rejected
// instead of truncated.
type TransactionRequest struct {
	UserID    string       `json:"user_id"`
	Symbol    string       `json:"symbol"`
	Quantity  json.Number  `json:"quantity"`
	Type      model.TxType `json:"type"`
	AssetType string       `json:"asset_type"`
}

// SettlementRequest is the JSON body for POST /api/settlement/{userID}.
// Amount accepts both a JSON number and a numeric string.
type SettlementRequest struct {
	Amount decimal.Decimal        `json:"amount"`
	Action model.SettlementAction `json:"action"`
}

// BalanceResponse renders a balance with the currency's fixed decimals.
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

// MessageResponse is returned by the destructive endpoints.
type MessageResponse struct {
	Message string `json:"message"`
}

// fail writes err with the status its kind maps to.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if !isClientVisible(err) {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, "internal server error", status)
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("upstream failure", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, err.Error(), status)
}

// Search handles GET /api/search/{query}
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	results, err := h.quotes.Search(r.Context(), chi.URLParam(r, "query"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// Quote handles GET /api/quote/{symbol}
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	q, err := h.quotes.Quote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// TopMovers handles GET /api/top-movers
func (h *Handler) TopMovers(w http.ResponseWriter, r *http.Request) {
	movers, err := h.quotes.TopMovers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, movers)
}

// TimeSeries handles GET /api/time_series/{symbol}?interval=&outputsize=
func (h *Handler) TimeSeries(w http.ResponseWriter, r *http.Request) {
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = defaultInterval
	}
	size := defaultOutputSize
	if raw := r.URL.Query().Get("outputsize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxOutputSize {
			writeError(w, "invalid outputsize", http.StatusBadRequest)
			return
		}
		size = n
	}

	points, err := h.quotes.TimeSeries(r.Context(), chi.URLParam(r, "symbol"), interval, size)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// CreateTransaction handles POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.Symbol == "" || req.Quantity == "" || req.Type == "" {
		writeError(w, "missing required fields", http.StatusBadRequest)
		return
	}
	qty, err := strconv.ParseInt(req.Quantity.String(), 10, 64)
	if err != nil {
		writeError(w, "invalid quantity", http.StatusBadRequest)
		return
	}

	tx, err := h.engine.Execute(r.Context(), trade.Order{
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Quantity:  qty,
		Type:      model.TxType(strings.ToLower(string(req.Type))),
		AssetType: req.AssetType,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// ListAllTransactions handles GET /api/transactions
func (h *Handler) ListAllTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.engine.All(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(txs))
}

// ListTransactions handles GET /api/transactions/{userID}
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.engine.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(txs))
}

// DeleteTransaction handles DELETE /api/transactions/{id}
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, "invalid transaction id", http.StatusBadRequest)
		return
	}

	if _, err := h.engine.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "Transaction deleted"})
}

// Portfolio handles GET /api/portfolio/{userID}
func (h *Handler) Portfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.portfolio.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetSettlement handles GET /api/settlement/{userID}
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	acct, err := h.settlement.Balance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.balance(acct))
}

// AdjustSettlement handles POST /api/settlement/{userID}
func (h *Handler) AdjustSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	}

	acct, err := h.settlement.Adjust(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Action)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.balance(acct))
}

// ListSettlementTransactions handles GET /api/settlement_transactions/{userID}
func (h *Handler) ListSettlementTransactions(w http.ResponseWriter, r *http.Request) {
	history, err := h.settlement.History(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(history))
}

// Erase handles DELETE /api/erase
func (h *Handler) Erase(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Erase(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "All transactions and settlement accounts erased"})
}

func (h *Handler) balance(acct *model.SettlementAccount) BalanceResponse {
	return BalanceResponse{UserID: acct.UserID, Balance: h.rounder.Format(acct.Balance)}
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "portfolio-engine"})
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, "route not found", http.StatusNotFound)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, fmt.Sprintf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
}
