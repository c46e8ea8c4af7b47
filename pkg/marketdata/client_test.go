package marketdata

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/market-dashboard/internal/resilience"
)

type fakeTransport struct {
	mu       sync.Mutex
	steps    []step
	requests []*Request
}

type step struct {
	resp *Response
	err  error
}

func (f *fakeTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	// The last step repeats once the script runs out.
	idx := len(f.requests) - 1
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	s := f.steps[idx]
	return s.resp, s.err
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func jsonResponse(status int, body string) *Response {
	return &Response{Status: status, Header: http.Header{}, Body: []byte(body)}
}

type clientDeps struct {
	keys    *resilience.KeyManager
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
}

func newTestClient(t *testing.T, transport Transport, breakerThreshold int) (*Client, clientDeps) {
	t.Helper()

	keys, err := resilience.NewKeyManager([]string{"key-aaaa", "key-bbbb"}, resilience.KeyManagerConfig{MaxErrors: 10})
	require.NoError(t, err)

	deps := clientDeps{
		keys:    keys,
		limiter: resilience.NewRateLimiter(resilience.RateLimiterConfig{RequestsPerMinute: 100, RequestsPerHour: 1000}),
		breaker: resilience.NewCircuitBreaker(resilience.BreakerConfig{FailureThreshold: breakerThreshold, ResetTimeout: time.Minute}),
	}
	retry := resilience.NewRetryManager(resilience.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2})

	client := NewClient(ClientConfig{
		MarketBaseURL: "https://market.test",
		NewsBaseURL:   "https://news.test",
	}, transport, deps.keys, deps.limiter, deps.breaker, retry, nil)
	return client, deps
}

func TestFetchQuoteSuccess(t *testing.T) {
	ft := &fakeTransport{steps: []step{
		{resp: jsonResponse(http.StatusOK, `{"symbol":"AAPL","price":187.2,"change":-1.3,"change_percent":-0.69,"volume":1000,"updated_at":1700000000}`)},
	}}
	client, _ := newTestClient(t, ft, 5)

	quote, err := client.FetchQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", quote.Symbol)
	assert.Equal(t, 187.2, quote.Price)

	require.Equal(t, 1, ft.calls())
	assert.Contains(t, ft.requests[0].URL, "symbol=AAPL")
	assert.Contains(t, ft.requests[0].URL, "apikey=key-aaaa")
}

func TestFetchQuoteRetriesServerErrors(t *testing.T) {
	ft := &fakeTransport{steps: []step{
		{resp: jsonResponse(http.StatusBadGateway, "bad gateway")},
		{resp: jsonResponse(http.StatusOK, `{"symbol":"AAPL","price":10}`)},
	}}
	client, _ := newTestClient(t, ft, 5)

	quote, err := client.FetchQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 10.0, quote.Price)
	assert.Equal(t, 2, ft.calls())
}

func TestFetchQuoteDoesNotRetryClientErrors(t *testing.T) {
	ft := &fakeTransport{steps: []step{
		{resp: jsonResponse(http.StatusNotFound, `{"error":"unknown symbol"}`)},
	}}
	client, _ := newTestClient(t, ft, 5)

	_, err := client.FetchQuote(context.Background(), "NOPE")
	var apiErr *resilience.ExternalAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable)
	assert.Equal(t, SourceMarketData, apiErr.Source)
	assert.NotEmpty(t, apiErr.CorrelationID)
	assert.Equal(t, 1, ft.calls())
}

func TestFetchQuoteUpstreamRateLimitRotatesKey(t *testing.T) {
	ft := &fakeTransport{steps: []step{
		{resp: &Response{
			Status: http.StatusTooManyRequests,
			Header: http.Header{"Retry-After": []string{"1"}},
			Body:   []byte("slow down"),
		}},
	}}
	client, deps := newTestClient(t, ft, 5)

	// Cancel during the Retry-After backoff so the test stays fast; the
	// last observed error must surface.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.FetchQuote(ctx, "AAPL")
	var rle *resilience.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, time.Second, rle.RetryAfter)
	assert.Equal(t, 1, ft.calls())

	// The rotated-away key was charged a rate-limit hit.
	assert.Equal(t, 1, deps.keys.KeyStatuses()[0].RateLimitHits)
	assert.Equal(t, "key-bbbb", deps.keys.GetCurrentKey())
}

func TestFetchQuoteUnauthorizedChargesKey(t *testing.T) {
	ft := &fakeTransport{steps: []step{
		{resp: jsonResponse(http.StatusUnauthorized, `{"error":"bad key"}`)},
	}}
	client, deps := newTestClient(t, ft, 5)

	_, err := client.FetchQuote(context.Background(), "AAPL")
	var apiErr *resilience.ExternalAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Retryable)
	assert.Equal(t, 1, ft.calls())
	assert.Equal(t, 1, deps.keys.KeyStatuses()[0].ErrorCount)
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	ft := &fakeTransport{steps: []step{
		{resp: jsonResponse(http.StatusInternalServerError, "boom")},
	}}
	client, deps := newTestClient(t, ft, 2)
	ctx := context.Background()

	// Each exhausted retry run counts as one breaker failure.
	_, err := client.FetchQuote(ctx, "AAPL")
	require.Error(t, err)
	_, err = client.FetchQuote(ctx, "AAPL")
	require.Error(t, err)
	require.Equal(t, resilience.StateOpen, deps.breaker.State("quotes"))

	callsBefore := ft.calls()
	_, err = client.FetchQuote(ctx, "AAPL")
	var coe *resilience.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, callsBefore, ft.calls())
}

func TestLocalAdmissionRejectsBeforeTransport(t *testing.T) {
	ft := &fakeTransport{steps: []step{
		{resp: jsonResponse(http.StatusOK, `{"symbol":"AAPL","price":10}`)},
	}}
	client, deps := newTestClient(t, ft, 5)
	deps.limiter.UpdateConfig(1, 1000)

	_, err := client.FetchQuote(context.Background(), "AAPL")
	require.NoError(t, err)

	_, err = client.FetchQuote(context.Background(), "AAPL")
	var rle *resilience.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 1, ft.calls())

	// The series operation has its own budget.
	_, err = client.FetchDailySeries(context.Background(), "AAPL")
	require.NoError(t, err)
}

func TestFetchNews(t *testing.T) {
	ft := &fakeTransport{steps: []step{
		{resp: jsonResponse(http.StatusOK, `{"articles":[{"title":"Markets rally","url":"https://news.test/a/1","source":"wire","category":"markets","published_at":1700000000}]}`)},
	}}
	client, _ := newTestClient(t, ft, 5)

	articles, err := client.FetchNews(context.Background(), "markets")
	require.NoError(t, err)
	require.Len(t, articles, 1)
	assert.Equal(t, "Markets rally", articles[0].Title)
	assert.Contains(t, ft.requests[0].URL, "category=markets")
}

func TestWithAPIKey(t *testing.T) {
	assert.Equal(t, "https://m.test/v1/quote?apikey=k&symbol=A", withAPIKey("https://m.test/v1/quote?symbol=A", "k"))
	assert.Equal(t, "https://m.test/v1/quote?symbol=A", withAPIKey("https://m.test/v1/quote?symbol=A", ""))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, parseRetryAfter("7"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))
}
