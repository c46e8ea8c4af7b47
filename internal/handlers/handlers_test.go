package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/market-dashboard/internal/cache"
	"github.com/finsight/market-dashboard/internal/resilience"
	"github.com/finsight/market-dashboard/internal/services"
	"github.com/finsight/market-dashboard/pkg/kvstore"
	"github.com/finsight/market-dashboard/pkg/marketdata"
)

type stubClient struct {
	quote *marketdata.Quote
	err   error
}

func (s *stubClient) FetchQuote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	return s.quote, s.err
}

func (s *stubClient) FetchDailySeries(ctx context.Context, symbol string) ([]marketdata.Candle, error) {
	return nil, s.err
}

func newQuoteRouter(t *testing.T, client services.QuoteFetcher) chi.Router {
	t.Helper()
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	quotes := services.NewQuoteService(client, cache.New(store, cache.Config{}, nil), services.QuoteServiceConfig{})
	h := NewQuoteHandler(quotes)

	r := chi.NewRouter()
	r.Get("/api/v1/quotes/{symbol}", h.GetQuote)
	r.Post("/api/v1/quotes/{symbol}/invalidate", h.InvalidateSymbol)
	return r
}

func TestGetQuoteEndpoint(t *testing.T) {
	r := newQuoteRouter(t, &stubClient{quote: &marketdata.Quote{Symbol: "AAPL", Price: 187.2}})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes/AAPL", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"price":187.2`)
}

func TestGetQuoteRateLimitedMapsTo429(t *testing.T) {
	r := newQuoteRouter(t, &stubClient{err: &resilience.RateLimitError{
		Source:     marketdata.SourceMarketData,
		RetryAfter: 30 * time.Second,
	}})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes/AAPL", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestGetQuoteCircuitOpenMapsTo503(t *testing.T) {
	r := newQuoteRouter(t, &stubClient{err: &resilience.CircuitOpenError{
		Operation: "quotes",
		State:     resilience.StateOpen,
	}})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes/AAPL", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "quotes")
}

func TestGetQuoteUpstreamErrorMapsTo502(t *testing.T) {
	r := newQuoteRouter(t, &stubClient{err: resilience.NewExternalAPIError(
		marketdata.SourceMarketData, "provider exploded", http.StatusInternalServerError, true,
	)})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quotes/AAPL", nil))

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "correlation_id")
}

func TestInvalidateCacheEndpoint(t *testing.T) {
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	cacheSvc := cache.New(store, cache.Config{}, nil)
	require.NoError(t, cacheSvc.Set(context.Background(), "assets:quote:AAPL", 1, cache.Options{TTL: time.Minute}))

	keys, err := resilience.NewKeyManager([]string{"key-aaaa"}, resilience.KeyManagerConfig{})
	require.NoError(t, err)
	h := NewAdminHandler(cacheSvc, keys,
		resilience.NewRateLimiter(resilience.RateLimiterConfig{}),
		resilience.NewCircuitBreaker(resilience.BreakerConfig{}))

	r := chi.NewRouter()
	r.Post("/api/v1/admin/cache/invalidate", h.InvalidateCache)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/cache/invalidate",
		strings.NewReader(`{"patterns":["assets:*"]}`))
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"removed":1`)
}

func TestSetKeyStateUnknownKey(t *testing.T) {
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	keys, err := resilience.NewKeyManager([]string{"key-aaaa"}, resilience.KeyManagerConfig{})
	require.NoError(t, err)
	h := NewAdminHandler(cache.New(store, cache.Config{}, nil), keys,
		resilience.NewRateLimiter(resilience.RateLimiterConfig{}),
		resilience.NewCircuitBreaker(resilience.BreakerConfig{}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/keys/disable", strings.NewReader(`{"key":"nope"}`))
	h.SetKeyState(false)(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/keys/disable", strings.NewReader(`{"key":"key-aaaa"}`))
	h.SetKeyState(false)(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthEndpointDegradesWithoutKeys(t *testing.T) {
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	keys, err := resilience.NewKeyManager([]string{"key-aaaa"}, resilience.KeyManagerConfig{})
	require.NoError(t, err)
	h := NewHealthHandler(cache.New(store, cache.Config{}, nil), keys)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	keys.DisableKey("key-aaaa")
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
