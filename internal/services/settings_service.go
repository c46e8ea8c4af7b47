package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/finsight/market-dashboard/internal/resilience"
)

// Well-known setting keys.
const (
	SettingRequestsPerMinute = "api.requests_per_minute"
	SettingRequestsPerHour   = "api.requests_per_hour"
)

// Setting represents a system configuration entry
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	IsSecret  bool      `json:"is_secret"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingsService handles database-backed configuration. Values are cached
// in memory; Set writes through.
type SettingsService struct {
	db      *pgxpool.Pool
	limiter *resilience.RateLimiter

	mu    sync.RWMutex
	cache map[string]string
}

// NewSettingsService creates the service and preloads the cache.
func NewSettingsService(db *pgxpool.Pool, limiter *resilience.RateLimiter) *SettingsService {
	s := &SettingsService{
		db:      db,
		limiter: limiter,
		cache:   make(map[string]string),
	}
	if err := s.loadCache(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to preload settings cache")
	}
	return s
}

func (s *SettingsService) loadCache(ctx context.Context) error {
	rows, err := s.db.Query(ctx, "SELECT key, value FROM system_settings")
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	loaded := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return fmt.Errorf("failed to scan setting: %w", err)
		}
		loaded[key] = value
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache = loaded
	s.mu.Unlock()
	return nil
}

// Get returns a setting value, falling back to the default when unset.
func (s *SettingsService) Get(ctx context.Context, key, defaultValue string) (string, error) {
	s.mu.RLock()
	value, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return value, nil
	}

	err := s.db.QueryRow(ctx, "SELECT value FROM system_settings WHERE key = $1", key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return defaultValue, nil
		}
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()
	return value, nil
}

// GetInt returns an integer setting, falling back to the default when unset
// or malformed.
func (s *SettingsService) GetInt(ctx context.Context, key string, defaultValue int) (int, error) {
	raw, err := s.Get(ctx, key, strconv.Itoa(defaultValue))
	if err != nil {
		return 0, err
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue, nil
	}
	return i, nil
}

// Set upserts a setting and updates the in-memory cache.
func (s *SettingsService) Set(ctx context.Context, key, value string, isSecret bool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO system_settings (key, value, is_secret, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, is_secret = $3, updated_at = NOW()`,
		key, value, isSecret)
	if err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = value
	s.mu.Unlock()

	if key == SettingRequestsPerMinute || key == SettingRequestsPerHour {
		if err := s.ApplyRateLimits(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to apply updated rate limits")
		}
	}
	return nil
}

// GetAll returns every setting with secret values masked.
func (s *SettingsService) GetAll(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.Query(ctx,
		"SELECT key, value, is_secret, updated_at FROM system_settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var settings []Setting
	for rows.Next() {
		var st Setting
		if err := rows.Scan(&st.Key, &st.Value, &st.IsSecret, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		if st.IsSecret {
			st.Value = "********"
		}
		settings = append(settings, st)
	}
	return settings, rows.Err()
}

// ApplyRateLimits pushes the persisted rate limits into the limiter. Unset
// values leave the current limits alone.
func (s *SettingsService) ApplyRateLimits(ctx context.Context) error {
	perMinute, err := s.GetInt(ctx, SettingRequestsPerMinute, 0)
	if err != nil {
		return err
	}
	perHour, err := s.GetInt(ctx, SettingRequestsPerHour, 0)
	if err != nil {
		return err
	}
	if perMinute > 0 || perHour > 0 {
		s.limiter.UpdateConfig(perMinute, perHour)
		log.Info().Int("per_minute", perMinute).Int("per_hour", perHour).Msg("Applied rate limits from settings")
	}
	return nil
}
