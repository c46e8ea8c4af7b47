package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/finsight/market-dashboard/internal/metrics"
	"github.com/finsight/market-dashboard/internal/resilience"
)

// Error sources reported in the error taxonomy.
const (
	SourceMarketData = "marketdata"
	SourceNews       = "news"
)

// Quote is the latest price snapshot for a symbol.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	Volume        int64   `json:"volume"`
	UpdatedAt     int64   `json:"updated_at"`
}

// Candle is one bar of a daily price series.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

// Article is a single news item.
type Article struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Source      string `json:"source"`
	Category    string `json:"category"`
	PublishedAt int64  `json:"published_at"`
}

type seriesResponse struct {
	Symbol  string   `json:"symbol"`
	Candles []Candle `json:"candles"`
}

type newsResponse struct {
	Articles []Article `json:"articles"`
}

// ClientConfig holds the upstream endpoints.
type ClientConfig struct {
	MarketBaseURL string
	NewsBaseURL   string
}

// Client wraps the market-data and news providers with key rotation, rate
// limiting, circuit breaking and retries. All state lives in the injected
// components so tests can compose isolated instances.
type Client struct {
	transport Transport
	keys      *resilience.KeyManager
	limiter   *resilience.RateLimiter
	breaker   *resilience.CircuitBreaker
	retry     *resilience.RetryManager
	m         *metrics.Metrics // optional

	// Courtesy pacing for the news host, independent of our own budgets.
	newsPacer *rate.Limiter

	marketBaseURL string
	newsBaseURL   string
}

// NewClient assembles the resilient upstream client. A nil transport falls
// back to the default HTTP transport; metrics may be nil.
func NewClient(cfg ClientConfig, transport Transport, keys *resilience.KeyManager, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, retry *resilience.RetryManager, m *metrics.Metrics) *Client {
	if transport == nil {
		transport = NewHTTPTransport(30 * time.Second)
	}
	return &Client{
		transport:     transport,
		keys:          keys,
		limiter:       limiter,
		breaker:       breaker,
		retry:         retry,
		m:             m,
		newsPacer:     rate.NewLimiter(rate.Every(6*time.Second), 1),
		marketBaseURL: cfg.MarketBaseURL,
		newsBaseURL:   cfg.NewsBaseURL,
	}
}

// FetchQuote retrieves the latest quote for a symbol.
func (c *Client) FetchQuote(ctx context.Context, symbol string) (*Quote, error) {
	u := fmt.Sprintf("%s/v1/quote?symbol=%s", c.marketBaseURL, url.QueryEscape(symbol))
	body, err := c.get(ctx, "quotes", u, SourceMarketData)
	if err != nil {
		return nil, err
	}

	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("failed to parse quote response: %w", err)
	}
	return &quote, nil
}

// FetchDailySeries retrieves the daily candle series for a symbol.
func (c *Client) FetchDailySeries(ctx context.Context, symbol string) ([]Candle, error) {
	u := fmt.Sprintf("%s/v1/series/daily?symbol=%s", c.marketBaseURL, url.QueryEscape(symbol))
	body, err := c.get(ctx, "series", u, SourceMarketData)
	if err != nil {
		return nil, err
	}

	var series seriesResponse
	if err := json.Unmarshal(body, &series); err != nil {
		return nil, fmt.Errorf("failed to parse series response: %w", err)
	}
	return series.Candles, nil
}

// FetchNews retrieves headlines for a category. Calls are paced so we stay
// a polite consumer of the news host regardless of our own budgets.
func (c *Client) FetchNews(ctx context.Context, category string) ([]Article, error) {
	if err := c.newsPacer.Wait(ctx); err != nil {
		return nil, fmt.Errorf("news pacer wait: %w", err)
	}

	u := fmt.Sprintf("%s/v1/headlines?category=%s", c.newsBaseURL, url.QueryEscape(category))
	body, err := c.get(ctx, "news", u, SourceNews)
	if err != nil {
		return nil, err
	}

	var news newsResponse
	if err := json.Unmarshal(body, &news); err != nil {
		return nil, fmt.Errorf("failed to parse news response: %w", err)
	}
	return news.Articles, nil
}

// get runs one logical upstream call through the full chain: admission
// control, then the circuit breaker wrapping the retry loop around the
// transport. The credential is re-selected per attempt so a rotation takes
// effect mid-retry.
func (c *Client) get(ctx context.Context, operation, rawURL, source string) ([]byte, error) {
	if err := c.limiter.CheckLimit(operation); err != nil {
		if c.m != nil {
			c.m.RateLimitRejections.Inc()
		}
		log.Debug().Str("operation", operation).Err(err).Msg("Local admission rejected upstream call")
		return nil, err
	}

	var body []byte
	err := c.breaker.Execute(ctx, operation, func(ctx context.Context) error {
		return c.retry.Execute(ctx, func(ctx context.Context) error {
			return c.attempt(ctx, rawURL, source, &body)
		}, nil)
	})

	if c.m != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		c.m.UpstreamRequests.WithLabelValues(operation, outcome).Inc()
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

// attempt issues a single transport call and classifies the outcome.
func (c *Client) attempt(ctx context.Context, rawURL, source string, out *[]byte) error {
	key := c.keys.GetCurrentKey()

	req := &Request{
		Method: http.MethodGet,
		URL:    withAPIKey(rawURL, key),
		Header: http.Header{"User-Agent": []string{"MarketDashboard/1.0"}},
	}

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		c.keys.RecordError(err.Error())
		return err
	}

	switch {
	case resp.Status == http.StatusOK:
		*out = resp.Body
		c.keys.RecordSuccess()
		return nil

	case resp.Status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.keys.RotateKey()
		log.Warn().
			Str("source", source).
			Dur("retry_after", retryAfter).
			Msg("Upstream rate limited, rotated API key")
		return &resilience.RateLimitError{Source: source, RetryAfter: retryAfter}

	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		apiErr := resilience.NewExternalAPIError(source, truncateBody(resp.Body), resp.Status, false)
		c.keys.RecordError(apiErr.Message)
		log.Warn().
			Str("source", source).
			Int("status", resp.Status).
			Str("correlation_id", apiErr.CorrelationID).
			Msg("Upstream rejected API key")
		return apiErr

	default:
		apiErr := resilience.NewExternalAPIError(source, truncateBody(resp.Body), resp.Status, resilience.RetryableStatus(resp.Status))
		log.Warn().
			Str("source", source).
			Int("status", resp.Status).
			Str("correlation_id", apiErr.CorrelationID).
			Bool("retryable", apiErr.Retryable).
			Msg("Upstream call failed")
		return apiErr
	}
}

func withAPIKey(rawURL, key string) string {
	if key == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("apikey", key)
	u.RawQuery = q.Encode()
	return u.String()
}

// parseRetryAfter reads a Retry-After header in seconds.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// truncateBody keeps error payloads log-friendly; some providers return
// whole HTML pages on failure.
func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
