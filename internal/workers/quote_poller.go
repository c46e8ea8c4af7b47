package workers

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/finsight/market-dashboard/internal/resilience"
	"github.com/finsight/market-dashboard/internal/services"
)

// QuotePoller keeps quote snapshots fresh for tracked symbols. Each tick it
// refreshes the symbol that has gone longest without a poll.
type QuotePoller struct {
	db       *pgxpool.Pool
	quotes   *services.QuoteService
	interval time.Duration
}

// NewQuotePoller creates the poller.
func NewQuotePoller(db *pgxpool.Pool, quotes *services.QuoteService, interval time.Duration) *QuotePoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &QuotePoller{db: db, quotes: quotes, interval: interval}
}

// Start runs the poll loop until the context is cancelled.
func (p *QuotePoller) Start(ctx context.Context) {
	log.Info().Dur("interval", p.interval).Msg("Starting quote poller")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Quote poller stopped")
			return
		case <-ticker.C:
			p.pollNext(ctx)
		}
	}
}

// pollNext refreshes the least recently polled active symbol.
func (p *QuotePoller) pollNext(ctx context.Context) {
	var symbol string
	err := p.db.QueryRow(ctx, `
		SELECT symbol FROM tracked_symbols
		WHERE is_active
		ORDER BY last_polled_at ASC NULLS FIRST
		LIMIT 1
	`).Scan(&symbol)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Debug().Msg("Quote poller: no tracked symbols")
			return
		}
		log.Error().Err(err).Msg("Quote poller: failed to pick next symbol")
		return
	}

	quote, err := p.quotes.GetQuote(ctx, symbol)
	if err != nil {
		// Upstream throttling is expected pressure, not a fault.
		var rle *resilience.RateLimitError
		if errors.As(err, &rle) {
			log.Debug().Str("symbol", symbol).Dur("retry_after", rle.RetryAfter).Msg("Quote poller: upstream rate limited")
			return
		}
		log.Warn().Err(err).Str("symbol", symbol).Msg("Quote poller: fetch failed")
		return
	}

	if _, err := p.db.Exec(ctx, `
		INSERT INTO quote_snapshots (time, symbol, price, change, change_percent, volume)
		VALUES (NOW(), $1, $2, $3, $4, $5)`,
		symbol, quote.Price, quote.Change, quote.ChangePercent, quote.Volume); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Quote poller: failed to store snapshot")
		return
	}
	if _, err := p.db.Exec(ctx,
		"UPDATE tracked_symbols SET last_polled_at = NOW() WHERE symbol = $1", symbol); err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("Quote poller: failed to stamp poll time")
	}

	log.Debug().Str("symbol", symbol).Float64("price", quote.Price).Msg("Quote poller: snapshot stored")
}
