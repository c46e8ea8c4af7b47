package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// WarmOptions controls a background warming task.
type WarmOptions struct {
	TTL      time.Duration
	Interval time.Duration // defaults to 5m
	Tags     []string
}

// WarmCache schedules a recurring background refresh for key. The entry is
// populated immediately and then on every interval tick until StopWarming
// or StopAllWarming cancels the task. Registering the same key again
// replaces the existing task.
func (s *Service) WarmCache(ctx context.Context, key string, fetch func(context.Context) (any, error), opts WarmOptions) {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}

	wctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if prev, ok := s.warmers[key]; ok {
		prev()
	}
	s.warmers[key] = cancel
	s.mu.Unlock()

	log.Info().Str("key", key).Dur("interval", opts.Interval).Msg("Cache warming started")

	go func() {
		s.refresh(wctx, key, fetch, opts)

		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-wctx.Done():
				return
			case <-ticker.C:
				s.refresh(wctx, key, fetch, opts)
			}
		}
	}()
}

// StopWarming cancels the warming task for key. No-op when absent.
func (s *Service) StopWarming(key string) {
	s.mu.Lock()
	cancel, ok := s.warmers[key]
	if ok {
		delete(s.warmers, key)
	}
	s.mu.Unlock()

	if ok {
		cancel()
		log.Info().Str("key", key).Msg("Cache warming stopped")
	}
}

// StopAllWarming cancels every warming task. Safe to call repeatedly.
func (s *Service) StopAllWarming() {
	s.mu.Lock()
	warmers := s.warmers
	s.warmers = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	for _, cancel := range warmers {
		cancel()
	}
	if len(warmers) > 0 {
		log.Info().Int("count", len(warmers)).Msg("All cache warming stopped")
	}
}

// WarmingKeys lists the keys with an active warming task.
func (s *Service) WarmingKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.warmers))
	for k := range s.warmers {
		keys = append(keys, k)
	}
	return keys
}

func (s *Service) refresh(ctx context.Context, key string, fetch func(context.Context) (any, error), opts WarmOptions) {
	value, err := fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("key", key).Msg("Cache warming fetch failed")
		}
		return
	}
	if err := s.Set(ctx, key, value, Options{TTL: opts.TTL, Tags: opts.Tags}); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache warming write failed")
	}
}
