package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/stockfolio/portfolio-engine/internal/metrics"
)

// RouterConfig carries what the router needs besides the handler.
type RouterConfig struct {
	SudoKey        string
	RequestTimeout time.Duration
	// WebSocket, when set, is mounted at GET /api/ws.
	WebSocket http.HandlerFunc
}

// NewRouter builds the chi router with the full middleware stack.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/health", Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// Long-lived; kept outside the request timeout.
		if cfg.WebSocket != nil {
			r.Get("/ws", cfg.WebSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			// Market data.
			r.Get("/search/{query}", h.Search)
			r.Get("/quote/{symbol}", h.Quote)
			r.Get("/time_series/{symbol}", h.TimeSeries)
			r.Get("/top-movers", h.TopMovers)

			// Ledger.
			r.Post("/transactions", h.CreateTransaction)
			r.Get("/transactions", h.ListAllTransactions)
			r.Get("/transactions/{userID}", h.ListTransactions)
			r.Get("/portfolio/{userID}", h.Portfolio)

			// Settlement.
			r.Get("/settlement/{userID}", h.GetSettlement)
			r.Post("/settlement/{userID}", h.AdjustSettlement)
			r.Get("/settlement_transactions/{userID}", h.ListSettlementTransactions)

			// Destructive operations need the sudo key.
			r.Group(func(r chi.Router) {
				r.Use(requireSudo(cfg.SudoKey))
				r.Delete("/transactions/{id}", h.DeleteTransaction)
				r.Delete("/erase", h.Erase)
			})
		})
	})

	return r
}
