package resilience

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	maxHealthScore     = 100
	errorHealthPenalty = 20
	successHealthBonus = 10
)

// KeyManagerConfig controls credential rotation and health tracking.
type KeyManagerConfig struct {
	// MaxErrors is the error count beyond which a key is disabled.
	// Defaults to 3.
	MaxErrors int
	// RotationCooldown is the minimum time between rotations; a rotation
	// requested inside the cooldown keeps the current key. Zero disables
	// the cooldown.
	RotationCooldown time.Duration
	// Production filters out demo/placeholder credentials at construction.
	Production bool
}

// KeyStatus is a read-only snapshot of one credential's health.
type KeyStatus struct {
	Key           string    `json:"key"`
	IsActive      bool      `json:"is_active"`
	ErrorCount    int       `json:"error_count"`
	LastError     string    `json:"last_error,omitempty"`
	RateLimitHits int       `json:"rate_limit_hits"`
	HealthScore   int       `json:"health_score"`
	LastUsed      time.Time `json:"last_used,omitzero"`
}

// KeyStats summarizes the pool.
type KeyStats struct {
	Total         int `json:"total"`
	Active        int `json:"active"`
	Disabled      int `json:"disabled"`
	AverageHealth int `json:"average_health"`
}

type keyRecord struct {
	key           string
	isActive      bool
	errorCount    int
	lastError     string
	rateLimitHits int
	healthScore   int
	lastUsed      time.Time
}

// KeyManager rotates among multiple upstream credentials, tracking per-key
// health and disabling keys that keep failing. Keys are never removed, only
// disabled or re-enabled.
type KeyManager struct {
	mu           sync.Mutex
	cfg          KeyManagerConfig
	records      []*keyRecord
	current      int
	lastRotation time.Time
}

// NewKeyManager builds a manager from the candidate credentials, filtering
// placeholder values in production mode. Fails with ErrNoKeys when nothing
// usable remains.
func NewKeyManager(keys []string, cfg KeyManagerConfig) (*KeyManager, error) {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 3
	}

	km := &KeyManager{cfg: cfg}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if cfg.Production && isPlaceholderKey(k) {
			log.Warn().Str("key", maskKey(k)).Msg("Ignoring placeholder API key in production")
			continue
		}
		km.records = append(km.records, &keyRecord{
			key:         k,
			isActive:    true,
			healthScore: maxHealthScore,
		})
	}

	if len(km.records) == 0 {
		return nil, ErrNoKeys
	}

	log.Info().Int("count", len(km.records)).Msg("API key pool initialized")
	return km, nil
}

// GetCurrentKey returns the key in use and stamps its last-used time. When
// every key is disabled it still returns the last-known current key so the
// caller surfaces a clear upstream error instead of crashing.
func (km *KeyManager) GetCurrentKey() string {
	km.mu.Lock()
	defer km.mu.Unlock()

	rec := km.records[km.current]
	if !rec.isActive {
		if idx, ok := km.nextActive(km.current); ok {
			km.current = idx
			rec = km.records[idx]
		}
	}
	rec.lastUsed = time.Now()
	return rec.key
}

// RotateKey advances to the next active key in registration order, counting
// a rate-limit hit against the key being rotated away from. With a single
// active key this is a no-op returning the same key.
func (km *KeyManager) RotateKey() string {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := time.Now()
	if km.cfg.RotationCooldown > 0 && now.Sub(km.lastRotation) < km.cfg.RotationCooldown {
		return km.records[km.current].key
	}

	prev := km.records[km.current]
	prev.rateLimitHits++

	if idx, ok := km.nextActive(km.current); ok {
		km.current = idx
		km.lastRotation = now
	}

	cur := km.records[km.current]
	log.Debug().Str("key", maskKey(cur.key)).Msg("Rotated to API key")
	return cur.key
}

// RecordError charges an error against the current key, lowering its health
// and disabling it once the error count exceeds the threshold.
func (km *KeyManager) RecordError(message string) {
	km.mu.Lock()
	defer km.mu.Unlock()

	rec := km.records[km.current]
	rec.errorCount++
	rec.lastError = message
	rec.healthScore -= errorHealthPenalty
	if rec.healthScore < 0 {
		rec.healthScore = 0
	}

	if rec.errorCount > km.cfg.MaxErrors && rec.isActive {
		rec.isActive = false
		log.Warn().
			Str("key", maskKey(rec.key)).
			Int("error_count", rec.errorCount).
			Str("last_error", message).
			Msg("API key disabled after repeated errors")
		if idx, ok := km.nextActive(km.current); ok {
			km.current = idx
		}
	}
}

// RecordSuccess clears the current key's error state and restores its health
// toward 100.
func (km *KeyManager) RecordSuccess() {
	km.mu.Lock()
	defer km.mu.Unlock()

	rec := km.records[km.current]
	rec.errorCount = 0
	rec.lastError = ""
	rec.healthScore += successHealthBonus
	if rec.healthScore > maxHealthScore {
		rec.healthScore = maxHealthScore
	}
}

// EnableKey re-activates a key and resets its health. Reports whether the
// key is known.
func (km *KeyManager) EnableKey(key string) bool {
	km.mu.Lock()
	defer km.mu.Unlock()

	for _, rec := range km.records {
		if rec.key == key {
			rec.isActive = true
			rec.errorCount = 0
			rec.lastError = ""
			rec.healthScore = maxHealthScore
			log.Info().Str("key", maskKey(key)).Msg("API key enabled")
			return true
		}
	}
	return false
}

// DisableKey deactivates a key without touching its counters. Reports
// whether the key is known.
func (km *KeyManager) DisableKey(key string) bool {
	km.mu.Lock()
	defer km.mu.Unlock()

	for i, rec := range km.records {
		if rec.key == key {
			rec.isActive = false
			log.Info().Str("key", maskKey(key)).Msg("API key disabled")
			if i == km.current {
				if idx, ok := km.nextActive(km.current); ok {
					km.current = idx
				}
			}
			return true
		}
	}
	return false
}

// Stats summarizes the pool.
func (km *KeyManager) Stats() KeyStats {
	km.mu.Lock()
	defer km.mu.Unlock()

	stats := KeyStats{Total: len(km.records)}
	healthSum := 0
	for _, rec := range km.records {
		if rec.isActive {
			stats.Active++
		} else {
			stats.Disabled++
		}
		healthSum += rec.healthScore
	}
	stats.AverageHealth = healthSum / len(km.records)
	return stats
}

// KeyStatuses returns masked snapshots of every key, in registration order.
func (km *KeyManager) KeyStatuses() []KeyStatus {
	km.mu.Lock()
	defer km.mu.Unlock()

	statuses := make([]KeyStatus, 0, len(km.records))
	for _, rec := range km.records {
		statuses = append(statuses, KeyStatus{
			Key:           maskKey(rec.key),
			IsActive:      rec.isActive,
			ErrorCount:    rec.errorCount,
			LastError:     rec.lastError,
			RateLimitHits: rec.rateLimitHits,
			HealthScore:   rec.healthScore,
			LastUsed:      rec.lastUsed,
		})
	}
	return statuses
}

// nextActive finds the next active key after from, wrapping around. Must be
// called while holding km.mu.
func (km *KeyManager) nextActive(from int) (int, bool) {
	n := len(km.records)
	for i := 1; i <= n; i++ {
		idx := (from + i) % n
		if km.records[idx].isActive {
			return idx, true
		}
	}
	return from, false
}

func isPlaceholderKey(key string) bool {
	lower := strings.ToLower(key)
	switch lower {
	case "demo", "test", "changeme":
		return true
	}
	return strings.Contains(lower, "your_api_key") || strings.HasPrefix(lower, "placeholder")
}

// maskKey keeps the first four characters for log correlation.
func maskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}
