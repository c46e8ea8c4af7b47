package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/finsight/market-dashboard/internal/cache"
	"github.com/finsight/market-dashboard/internal/config"
	"github.com/finsight/market-dashboard/internal/metrics"
	"github.com/finsight/market-dashboard/internal/resilience"
	"github.com/finsight/market-dashboard/internal/services"
	"github.com/finsight/market-dashboard/internal/workers"
	"github.com/finsight/market-dashboard/pkg/database"
	"github.com/finsight/market-dashboard/pkg/kvstore"
	"github.com/finsight/market-dashboard/pkg/marketdata"
)

func main() {
	// Setup logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("environment", cfg.Environment).Msg("Starting Market Dashboard workers")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Cache store: Redis when reachable, in-process fallback otherwise
	var store kvstore.Store
	if redisStore, err := kvstore.NewRedisStore(cfg.RedisURL); err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, using in-memory cache store")
		store = kvstore.NewMemoryStore()
	} else {
		store = redisStore
	}
	defer store.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	keyManager, err := resilience.NewKeyManager(cfg.MarketAPIKeys, resilience.KeyManagerConfig{
		MaxErrors:        cfg.MaxKeyErrors,
		RotationCooldown: cfg.KeyRotationCooldown,
		Production:       cfg.IsProduction(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize API key pool")
	}
	limiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		RequestsPerMinute: cfg.RequestsPerMinute,
		RequestsPerHour:   cfg.RequestsPerHour,
	})
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		OnOpen:           func(string) { m.CircuitOpens.Inc() },
	})
	retry := resilience.NewRetryManager(resilience.RetryConfig{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.RetryBaseDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		BackoffFactor: cfg.RetryBackoffFactor,
	})

	cacheSvc := cache.New(store, cache.Config{
		Prefix:     cfg.CachePrefix,
		DefaultTTL: cfg.CacheDefaultTTL,
	}, m)
	defer cacheSvc.StopAllWarming()

	client := marketdata.NewClient(marketdata.ClientConfig{
		MarketBaseURL: cfg.MarketAPIBaseURL,
		NewsBaseURL:   cfg.NewsAPIBaseURL,
	}, nil, keyManager, limiter, breaker, retry, m)

	quoteService := services.NewQuoteService(client, cacheSvc, services.QuoteServiceConfig{
		QuoteTTL:  cfg.QuoteTTL,
		SeriesTTL: cfg.SeriesTTL,
	})
	settingsService := services.NewSettingsService(db.Pool, limiter)
	if err := settingsService.ApplyRateLimits(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to apply persisted rate limits")
	}

	// Re-read rate limits periodically so settings changes made through
	// the API process take effect here too.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := settingsService.ApplyRateLimits(ctx); err != nil {
					log.Warn().Err(err).Msg("Failed to refresh rate limits")
				}
			}
		}
	}()

	// Track key pool health in the metrics
	m.KeyPoolActive.Set(float64(keyManager.Stats().Active))
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.KeyPoolActive.Set(float64(keyManager.Stats().Active))
			}
		}
	}()

	poller := workers.NewQuotePoller(db.Pool, quoteService, cfg.QuotePollInterval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Start(ctx)
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down workers...")
	cancel()
	wg.Wait()
	log.Info().Msg("Workers stopped")
}
