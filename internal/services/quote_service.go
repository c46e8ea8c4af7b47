package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finsight/market-dashboard/internal/cache"
	"github.com/finsight/market-dashboard/internal/resilience"
	"github.com/finsight/market-dashboard/pkg/marketdata"
)

// QuoteFetcher is the slice of the upstream client the quote service needs.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, symbol string) (*marketdata.Quote, error)
	FetchDailySeries(ctx context.Context, symbol string) ([]marketdata.Candle, error)
}

// QuoteServiceConfig carries the cache TTLs for quote data.
type QuoteServiceConfig struct {
	QuoteTTL  time.Duration
	SeriesTTL time.Duration
}

// QuoteService serves quotes and daily series through the cache, falling
// back to the upstream client on a miss.
type QuoteService struct {
	client QuoteFetcher
	cache  *cache.Service
	cfg    QuoteServiceConfig
}

// NewQuoteService creates the quote service.
func NewQuoteService(client QuoteFetcher, cacheSvc *cache.Service, cfg QuoteServiceConfig) *QuoteService {
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = time.Minute
	}
	if cfg.SeriesTTL <= 0 {
		cfg.SeriesTTL = time.Hour
	}
	return &QuoteService{client: client, cache: cacheSvc, cfg: cfg}
}

// GetQuote returns the latest quote for a symbol, cached.
func (s *QuoteService) GetQuote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	symbol = normalizeSymbol(symbol)
	key := quoteKey(symbol)

	if s.cache.IsRateLimited(ctx, key) {
		return nil, &resilience.RateLimitError{Source: marketdata.SourceMarketData}
	}

	quote, err := cache.Fetch(ctx, s.cache, key, cache.Options{
		TTL:  s.cfg.QuoteTTL,
		Tags: []string{"assets", "quote:" + symbol},
	}, func(ctx context.Context) (*marketdata.Quote, error) {
		return s.client.FetchQuote(ctx, symbol)
	})
	if err != nil {
		s.noteRateLimit(ctx, key, err)
		return nil, err
	}
	return quote, nil
}

// GetDailySeries returns the daily candle series for a symbol, cached.
func (s *QuoteService) GetDailySeries(ctx context.Context, symbol string) ([]marketdata.Candle, error) {
	symbol = normalizeSymbol(symbol)
	key := seriesKey(symbol)

	if s.cache.IsRateLimited(ctx, key) {
		return nil, &resilience.RateLimitError{Source: marketdata.SourceMarketData}
	}

	candles, err := cache.Fetch(ctx, s.cache, key, cache.Options{
		TTL:  s.cfg.SeriesTTL,
		Tags: []string{"assets", "series:" + symbol},
	}, func(ctx context.Context) ([]marketdata.Candle, error) {
		return s.client.FetchDailySeries(ctx, symbol)
	})
	if err != nil {
		s.noteRateLimit(ctx, key, err)
		return nil, err
	}
	return candles, nil
}

// WarmQuotes registers background refresh for the given symbols.
func (s *QuoteService) WarmQuotes(ctx context.Context, symbols []string, interval time.Duration) {
	for _, raw := range symbols {
		symbol := normalizeSymbol(raw)
		s.cache.WarmCache(ctx, quoteKey(symbol), func(ctx context.Context) (any, error) {
			return s.client.FetchQuote(ctx, symbol)
		}, cache.WarmOptions{
			TTL:      s.cfg.QuoteTTL,
			Interval: interval,
			Tags:     []string{"assets", "quote:" + symbol},
		})
	}
}

// InvalidateSymbol drops all cached data for one symbol.
func (s *QuoteService) InvalidateSymbol(ctx context.Context, symbol string) (int, error) {
	symbol = normalizeSymbol(symbol)
	return s.cache.InvalidateByPattern(ctx, []string{
		quoteKey(symbol),
		seriesKey(symbol),
	})
}

// InvalidateAssets drops every cached quote and series.
func (s *QuoteService) InvalidateAssets(ctx context.Context) (int, error) {
	return s.cache.Invalidate(ctx, "assets:*")
}

// noteRateLimit marks the key as rate limited so subsequent reads fail fast
// instead of hammering the provider.
func (s *QuoteService) noteRateLimit(ctx context.Context, key string, err error) {
	var rle *resilience.RateLimitError
	if !errors.As(err, &rle) {
		return
	}
	duration := rle.RetryAfter
	if duration <= 0 {
		duration = time.Minute
	}
	if markErr := s.cache.MarkRateLimited(ctx, key, duration); markErr != nil {
		log.Warn().Err(markErr).Str("key", key).Msg("Failed to mark key rate limited")
	}
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func quoteKey(symbol string) string {
	return fmt.Sprintf("assets:quote:%s", symbol)
}

func seriesKey(symbol string) string {
	return fmt.Sprintf("assets:series:%s", symbol)
}
