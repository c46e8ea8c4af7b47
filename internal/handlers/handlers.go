package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/finsight/market-dashboard/internal/resilience"
	"github.com/finsight/market-dashboard/internal/services"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Rate limits carry
// a Retry-After header; an open circuit reads as temporary unavailability.
func writeError(w http.ResponseWriter, err error) {
	var rle *resilience.RateLimitError
	if errors.As(err, &rle) {
		if rle.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rle.RetryAfter.Seconds())))
		}
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":  "rate limited",
			"source": rle.Source,
		})
		return
	}

	var coe *resilience.CircuitOpenError
	if errors.As(err, &coe) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":     "upstream temporarily unavailable",
			"operation": coe.Operation,
		})
		return
	}

	var apiErr *resilience.ExternalAPIError
	if errors.As(err, &apiErr) {
		status := http.StatusBadGateway
		if apiErr.StatusCode == http.StatusNotFound {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{
			"error":          apiErr.Message,
			"source":         apiErr.Source,
			"correlation_id": apiErr.CorrelationID,
		})
		return
	}

	log.Error().Err(err).Msg("Request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

// QuoteHandler serves quote and series endpoints.
type QuoteHandler struct {
	quotes *services.QuoteService
}

func NewQuoteHandler(quotes *services.QuoteService) *QuoteHandler {
	return &QuoteHandler{quotes: quotes}
}

// GetQuote returns the latest quote for a symbol
// GET /api/v1/quotes/{symbol}
func (h *QuoteHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if symbol == "" {
		http.Error(w, "Symbol is required", http.StatusBadRequest)
		return
	}

	quote, err := h.quotes.GetQuote(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetDailySeries returns the daily candle series for a symbol
// GET /api/v1/quotes/{symbol}/series
func (h *QuoteHandler) GetDailySeries(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if symbol == "" {
		http.Error(w, "Symbol is required", http.StatusBadRequest)
		return
	}

	candles, err := h.quotes.GetDailySeries(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  symbol,
		"candles": candles,
	})
}

// InvalidateSymbol drops cached data for one symbol
// POST /api/v1/quotes/{symbol}/invalidate
func (h *QuoteHandler) InvalidateSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if symbol == "" {
		http.Error(w, "Symbol is required", http.StatusBadRequest)
		return
	}

	removed, err := h.quotes.InvalidateSymbol(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// NewsHandler serves headline endpoints.
type NewsHandler struct {
	news *services.NewsService
}

func NewNewsHandler(news *services.NewsService) *NewsHandler {
	return &NewsHandler{news: news}
}

// GetHeadlines returns cached headlines for a category
// GET /api/v1/news?category=markets
func (h *NewsHandler) GetHeadlines(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")

	articles, err := h.news.GetHeadlines(r.Context(), category)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"category": category,
		"articles": articles,
	})
}
