package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/finsight/market-dashboard/internal/cache"
	"github.com/finsight/market-dashboard/internal/resilience"
)

// AdminHandler exposes the operational surface: cache statistics and
// invalidation, key pool health, limiter occupancy and circuit state.
type AdminHandler struct {
	cache   *cache.Service
	keys    *resilience.KeyManager
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
}

func NewAdminHandler(cacheSvc *cache.Service, keys *resilience.KeyManager, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker) *AdminHandler {
	return &AdminHandler{cache: cacheSvc, keys: keys, limiter: limiter, breaker: breaker}
}

// GetCacheStats returns hit/miss counters
// GET /api/v1/admin/cache/stats
func (h *AdminHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Stats())
}

// ResetCacheStats zeroes the counters
// POST /api/v1/admin/cache/stats/reset
func (h *AdminHandler) ResetCacheStats(w http.ResponseWriter, r *http.Request) {
	h.cache.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

// InvalidateCache removes entries matching the given patterns
// POST /api/v1/admin/cache/invalidate
func (h *AdminHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Patterns []string `json:"patterns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "Invalid input", http.StatusBadRequest)
		return
	}
	if len(input.Patterns) == 0 {
		http.Error(w, "At least one pattern is required", http.StatusBadRequest)
		return
	}

	removed, err := h.cache.InvalidateByPattern(r.Context(), input.Patterns)
	if err != nil {
		log.Error().Err(err).Msg("Cache invalidation failed")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// ListKeys returns masked key statuses and pool stats
// GET /api/v1/admin/keys
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": h.keys.Stats(),
		"keys":  h.keys.KeyStatuses(),
	})
}

// SetKeyState enables or disables a key by its full value
// POST /api/v1/admin/keys/enable, POST /api/v1/admin/keys/disable
func (h *AdminHandler) SetKeyState(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input struct {
			Key string `json:"key"`
		}
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil || input.Key == "" {
			http.Error(w, "Key is required", http.StatusBadRequest)
			return
		}

		var known bool
		if enable {
			known = h.keys.EnableKey(input.Key)
		} else {
			known = h.keys.DisableKey(input.Key)
		}
		if !known {
			http.Error(w, "Unknown key", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetLimiterStatus returns window occupancy for an operation
// GET /api/v1/admin/limits/{operation}
func (h *AdminHandler) GetLimiterStatus(w http.ResponseWriter, r *http.Request) {
	operation := chi.URLParam(r, "operation")
	writeJSON(w, http.StatusOK, h.limiter.Status(operation))
}

// ResetLimiter clears the windows for the given operations, or all
// POST /api/v1/admin/limits/reset
func (h *AdminHandler) ResetLimiter(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Operations []string `json:"operations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "Invalid input", http.StatusBadRequest)
		return
	}
	h.limiter.Reset(input.Operations...)
	w.WriteHeader(http.StatusNoContent)
}

// ListCircuits returns every tracked circuit
// GET /api/v1/admin/circuits
func (h *AdminHandler) ListCircuits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breaker.Statuses())
}

// ResetCircuit force-closes one circuit
// POST /api/v1/admin/circuits/{operation}/reset
func (h *AdminHandler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	operation := chi.URLParam(r, "operation")
	if operation == "" {
		http.Error(w, "Operation is required", http.StatusBadRequest)
		return
	}
	h.breaker.Reset(operation)
	w.WriteHeader(http.StatusNoContent)
}

// HealthHandler reports overall service health.
type HealthHandler struct {
	cache *cache.Service
	keys  *resilience.KeyManager
}

func NewHealthHandler(cacheSvc *cache.Service, keys *resilience.KeyManager) *HealthHandler {
	return &HealthHandler{cache: cacheSvc, keys: keys}
}

// Health reports cache reachability and key pool state
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	report := h.cache.Health(ctx)
	keyStats := h.keys.Stats()

	status := http.StatusOK
	if report.Status == "unhealthy" || keyStats.Active == 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"cache": report,
		"keys":  keyStats,
	})
}
