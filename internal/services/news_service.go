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

// NewsFetcher is the slice of the upstream client the news service needs.
type NewsFetcher interface {
	FetchNews(ctx context.Context, category string) ([]marketdata.Article, error)
}

// NewsService serves categorized headlines through the cache.
type NewsService struct {
	client NewsFetcher
	cache  *cache.Service
	ttl    time.Duration
}

// NewNewsService creates the news service.
func NewNewsService(client NewsFetcher, cacheSvc *cache.Service, ttl time.Duration) *NewsService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &NewsService{client: client, cache: cacheSvc, ttl: ttl}
}

// GetHeadlines returns the cached headlines for a category.
func (s *NewsService) GetHeadlines(ctx context.Context, category string) ([]marketdata.Article, error) {
	category = normalizeCategory(category)
	key := newsKey(category)

	if s.cache.IsRateLimited(ctx, key) {
		return nil, &resilience.RateLimitError{Source: marketdata.SourceNews}
	}

	articles, err := cache.Fetch(ctx, s.cache, key, cache.Options{
		TTL:  s.ttl,
		Tags: []string{"news", "category:" + category},
	}, func(ctx context.Context) ([]marketdata.Article, error) {
		return s.client.FetchNews(ctx, category)
	})
	if err != nil {
		var rle *resilience.RateLimitError
		if errors.As(err, &rle) {
			duration := rle.RetryAfter
			if duration <= 0 {
				duration = time.Minute
			}
			if markErr := s.cache.MarkRateLimited(ctx, key, duration); markErr != nil {
				log.Warn().Err(markErr).Str("key", key).Msg("Failed to mark key rate limited")
			}
		}
		return nil, err
	}
	return articles, nil
}

// InvalidateNews drops every cached headline list.
func (s *NewsService) InvalidateNews(ctx context.Context) (int, error) {
	return s.cache.Invalidate(ctx, "news:*")
}

func normalizeCategory(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		return "general"
	}
	return category
}

func newsKey(category string) string {
	return fmt.Sprintf("news:%s", category)
}
