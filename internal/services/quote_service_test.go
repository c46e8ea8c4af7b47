package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/market-dashboard/internal/cache"
	"github.com/finsight/market-dashboard/internal/resilience"
	"github.com/finsight/market-dashboard/pkg/kvstore"
	"github.com/finsight/market-dashboard/pkg/marketdata"
)

type fakeMarketClient struct {
	mu          sync.Mutex
	quoteCalls  int
	seriesCalls int
	newsCalls   int
	quote       *marketdata.Quote
	candles     []marketdata.Candle
	articles    []marketdata.Article
	err         error
}

func (f *fakeMarketClient) FetchQuote(ctx context.Context, symbol string) (*marketdata.Quote, error) {
	f.mu.Lock()
	f.quoteCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.quote, nil
}

func (f *fakeMarketClient) FetchDailySeries(ctx context.Context, symbol string) ([]marketdata.Candle, error) {
	f.mu.Lock()
	f.seriesCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.candles, nil
}

func (f *fakeMarketClient) FetchNews(ctx context.Context, category string) ([]marketdata.Article, error) {
	f.mu.Lock()
	f.newsCalls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.articles, nil
}

func (f *fakeMarketClient) quoteCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quoteCalls
}

func newCacheService(t *testing.T) *cache.Service {
	t.Helper()
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return cache.New(store, cache.Config{}, nil)
}

func TestGetQuoteCachesUpstream(t *testing.T) {
	client := &fakeMarketClient{quote: &marketdata.Quote{Symbol: "AAPL", Price: 187.2}}
	svc := NewQuoteService(client, newCacheService(t), QuoteServiceConfig{})
	ctx := context.Background()

	quote, err := svc.GetQuote(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, 187.2, quote.Price)

	// Second read is served from the cache.
	_, err = svc.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, client.quoteCalls)
}

func TestGetQuoteRateLimitShortCircuits(t *testing.T) {
	client := &fakeMarketClient{err: &resilience.RateLimitError{Source: marketdata.SourceMarketData, RetryAfter: time.Minute}}
	svc := NewQuoteService(client, newCacheService(t), QuoteServiceConfig{})
	ctx := context.Background()

	_, err := svc.GetQuote(ctx, "AAPL")
	var rle *resilience.RateLimitError
	require.ErrorAs(t, err, &rle)

	// The sentinel set by the first failure blocks the second call before
	// it reaches the client.
	_, err = svc.GetQuote(ctx, "AAPL")
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 1, client.quoteCalls)
}

func TestGetDailySeries(t *testing.T) {
	client := &fakeMarketClient{candles: []marketdata.Candle{{Time: 1700000000, Close: 10}}}
	svc := NewQuoteService(client, newCacheService(t), QuoteServiceConfig{})

	candles, err := svc.GetDailySeries(context.Background(), "msft")
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 10.0, candles[0].Close)
}

func TestInvalidateSymbol(t *testing.T) {
	client := &fakeMarketClient{
		quote:   &marketdata.Quote{Symbol: "AAPL", Price: 1},
		candles: []marketdata.Candle{{Close: 1}},
	}
	svc := NewQuoteService(client, newCacheService(t), QuoteServiceConfig{})
	ctx := context.Background()

	_, err := svc.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	_, err = svc.GetDailySeries(ctx, "AAPL")
	require.NoError(t, err)

	removed, err := svc.InvalidateSymbol(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// Both reads hit upstream again.
	_, err = svc.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, client.quoteCalls)
}

func TestInvalidateAssetsLeavesNewsAlone(t *testing.T) {
	cacheSvc := newCacheService(t)
	client := &fakeMarketClient{
		quote:    &marketdata.Quote{Symbol: "AAPL", Price: 1},
		articles: []marketdata.Article{{Title: "hello"}},
	}
	quotes := NewQuoteService(client, cacheSvc, QuoteServiceConfig{})
	news := NewNewsService(client, cacheSvc, time.Minute)
	ctx := context.Background()

	_, err := quotes.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	_, err = news.GetHeadlines(ctx, "markets")
	require.NoError(t, err)

	removed, err := quotes.InvalidateAssets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// News survives the asset flush.
	_, err = news.GetHeadlines(ctx, "markets")
	require.NoError(t, err)
	assert.Equal(t, 1, client.newsCalls)
}

func TestGetHeadlinesDefaultsCategory(t *testing.T) {
	client := &fakeMarketClient{articles: []marketdata.Article{{Title: "a"}}}
	svc := NewNewsService(client, newCacheService(t), time.Minute)
	ctx := context.Background()

	_, err := svc.GetHeadlines(ctx, "  ")
	require.NoError(t, err)
	_, err = svc.GetHeadlines(ctx, "GENERAL")
	require.NoError(t, err)
	assert.Equal(t, 1, client.newsCalls)
}

func TestWarmQuotesRegistersTasks(t *testing.T) {
	cacheSvc := newCacheService(t)
	client := &fakeMarketClient{quote: &marketdata.Quote{Symbol: "AAPL", Price: 1}}
	svc := NewQuoteService(client, cacheSvc, QuoteServiceConfig{})
	defer cacheSvc.StopAllWarming()

	svc.WarmQuotes(context.Background(), []string{"aapl", "msft"}, time.Minute)
	require.Eventually(t, func() bool { return client.quoteCallCount() >= 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"assets:quote:AAPL", "assets:quote:MSFT"}, cacheSvc.WarmingKeys())
}
