package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stockfolio/portfolio-engine/internal/model"
)

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, model.ErrInvalidAmount),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInsufficientHoldings),
		errors.Is(err, model.ErrHoldingsConflict):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// isClientVisible reports whether err's message is safe to return as is.
// Store and driver failures are replaced by a generic message.
func isClientVisible(err error) bool {
	return statusFor(err) != http.StatusInternalServerError ||
		errors.Is(err, model.ErrQuoteUnavailable) ||
		errors.Is(err, model.ErrProvider)
}
