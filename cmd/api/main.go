package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/finsight/market-dashboard/internal/cache"
	"github.com/finsight/market-dashboard/internal/config"
	"github.com/finsight/market-dashboard/internal/handlers"
	"github.com/finsight/market-dashboard/internal/metrics"
	"github.com/finsight/market-dashboard/internal/resilience"
	"github.com/finsight/market-dashboard/internal/services"
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

	log.Info().Str("environment", cfg.Environment).Msg("Starting Market Dashboard API")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
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

	// Resilience components
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

	// Services
	quoteService := services.NewQuoteService(client, cacheSvc, services.QuoteServiceConfig{
		QuoteTTL:  cfg.QuoteTTL,
		SeriesTTL: cfg.SeriesTTL,
	})
	newsService := services.NewNewsService(client, cacheSvc, cfg.NewsTTL)
	settingsService := services.NewSettingsService(db.Pool, limiter)
	if err := settingsService.ApplyRateLimits(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to apply persisted rate limits")
	}

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

	// Keep hot symbols fresh
	if len(cfg.WarmSymbols) > 0 {
		quoteService.WarmQuotes(ctx, cfg.WarmSymbols, cfg.WarmInterval)
		log.Info().Strs("symbols", cfg.WarmSymbols).Msg("Cache warming started")
	}

	// Handlers
	quoteHandler := handlers.NewQuoteHandler(quoteService)
	newsHandler := handlers.NewNewsHandler(newsService)
	adminHandler := handlers.NewAdminHandler(cacheSvc, keyManager, limiter, breaker)
	settingsHandler := handlers.NewSettingsHandler(settingsService)
	healthHandler := handlers.NewHealthHandler(cacheSvc, keyManager)

	// Setup router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/quotes/{symbol}", quoteHandler.GetQuote)
		r.Get("/quotes/{symbol}/series", quoteHandler.GetDailySeries)
		r.Post("/quotes/{symbol}/invalidate", quoteHandler.InvalidateSymbol)
		r.Get("/news", newsHandler.GetHeadlines)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/cache/stats", adminHandler.GetCacheStats)
			r.Post("/cache/stats/reset", adminHandler.ResetCacheStats)
			r.Post("/cache/invalidate", adminHandler.InvalidateCache)

			r.Get("/keys", adminHandler.ListKeys)
			r.Post("/keys/enable", adminHandler.SetKeyState(true))
			r.Post("/keys/disable", adminHandler.SetKeyState(false))

			r.Get("/limits/{operation}", adminHandler.GetLimiterStatus)
			r.Post("/limits/reset", adminHandler.ResetLimiter)

			r.Get("/circuits", adminHandler.ListCircuits)
			r.Post("/circuits/{operation}/reset", adminHandler.ResetCircuit)

			r.Get("/settings", settingsHandler.ListSettings)
			r.Put("/settings", settingsHandler.UpdateSetting)
		})
	})

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		cancel()
	}()

	log.Info().Str("port", cfg.Port).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("Server stopped")
}
