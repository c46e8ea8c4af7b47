package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/finsight/market-dashboard/internal/metrics"
	"github.com/finsight/market-dashboard/pkg/kvstore"
)

// Health classifications.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// degradedHitRate flags the cache as degraded once enough lookups have been
// observed with a poor hit rate.
const (
	degradedHitRate    = 0.3
	degradedMinLookups = 20
)

// Config holds the cache service settings.
type Config struct {
	// Prefix namespaces every key in the backing store. Defaults to "api:".
	Prefix string
	// DefaultTTL applies when an Options carries no TTL. Defaults to 5m.
	DefaultTTL time.Duration
	// CompressionThreshold is the payload size in bytes above which entries
	// are gzip-compressed. Defaults to 4096.
	CompressionThreshold int
}

// Options controls a single cache write.
type Options struct {
	TTL  time.Duration
	Tags []string
}

// Entry is the stored representation of a cached value. Logical expiry is
// enforced here, not by the backing store; the store-level TTL is only a
// backstop against orphaned entries.
type Entry struct {
	Data       json.RawMessage `json:"data,omitempty"`
	Blob       []byte          `json:"blob,omitempty"` // gzip of Data when Compressed
	Timestamp  int64           `json:"timestamp"`      // creation time, unix ms
	TTL        int             `json:"ttl"`            // seconds
	Tags       []string        `json:"tags,omitempty"`
	Compressed bool            `json:"compressed"`
	Size       int             `json:"size"` // uncompressed payload bytes
}

func (e *Entry) expired(now time.Time) bool {
	return now.UnixMilli()-e.Timestamp > int64(e.TTL)*1000
}

// Stats are the cumulative cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	Deletes uint64  `json:"deletes"`
	HitRate float64 `json:"hit_rate"`
}

// HealthReport classifies the cache for the operational health endpoint.
type HealthReport struct {
	Status         string  `json:"status"`
	HitRate        float64 `json:"hit_rate"`
	StoreReachable bool    `json:"store_reachable"`
}

// Service is a cache-aside layer over a key-value store with TTLs, tagging,
// pattern invalidation and background warming.
type Service struct {
	store kvstore.Store
	cfg   Config
	m     *metrics.Metrics // optional

	mu      sync.Mutex
	hits    uint64
	misses  uint64
	sets    uint64
	deletes uint64
	warmers map[string]context.CancelFunc
}

// New creates a cache service. metrics may be nil.
func New(store kvstore.Store, cfg Config, m *metrics.Metrics) *Service {
	if cfg.Prefix == "" {
		cfg.Prefix = "api:"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 4096
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		m:       m,
		warmers: make(map[string]context.CancelFunc),
	}
}

// GetOrFetch returns the cached payload for key, or invokes fetch on a miss
// or expiry, writes the result back and returns it. Expired entries are
// deleted, not just ignored. A fetch failure propagates to the caller.
func (s *Service) GetOrFetch(ctx context.Context, key string, fetch func(context.Context) (any, error), opts Options) (json.RawMessage, error) {
	full := s.cfg.Prefix + key

	raw, ok, err := s.store.Get(ctx, full)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache read failed, falling through to fetch")
	}
	if ok && err == nil {
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Corrupt cache entry, dropping")
			_, _ = s.store.Delete(ctx, full)
		} else if entry.expired(time.Now()) {
			if _, err := s.store.Delete(ctx, full); err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Failed to delete expired cache entry")
			}
		} else {
			data, err := entry.payload()
			if err == nil {
				s.recordHit()
				return data, nil
			}
			log.Warn().Err(err).Str("key", key).Msg("Failed to decode cache entry, dropping")
			_, _ = s.store.Delete(ctx, full)
		}
	}

	s.recordMiss()

	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal fetched value: %w", err)
	}
	if err := s.write(ctx, key, data, opts); err != nil {
		// The caller still gets the fresh value; only the write-back failed.
		log.Error().Err(err).Str("key", key).Msg("Cache write-back failed")
	}
	return data, nil
}

// Set caches value under key.
func (s *Service) Set(ctx context.Context, key string, value any, opts Options) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	return s.write(ctx, key, data, opts)
}

// Delete removes key and reports whether it was present.
func (s *Service) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := s.store.Delete(ctx, s.cfg.Prefix+key)
	if err != nil {
		return false, err
	}
	if ok {
		s.recordDeletes(1)
	}
	return ok, nil
}

// Invalidate bulk-deletes every key matching pattern and returns the count.
func (s *Service) Invalidate(ctx context.Context, pattern string) (int, error) {
	count, err := s.store.DeleteByPattern(ctx, s.cfg.Prefix+pattern)
	if err != nil {
		return 0, err
	}
	s.recordDeletes(count)
	log.Debug().Str("pattern", pattern).Int("count", count).Msg("Cache invalidated by pattern")
	return count, nil
}

// InvalidateByPattern deletes the union of keys matching any of the
// patterns; a key matching several patterns is counted once.
func (s *Service) InvalidateByPattern(ctx context.Context, patterns []string) (int, error) {
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		keys, err := s.store.Keys(ctx, s.cfg.Prefix+pattern)
		if err != nil {
			return 0, err
		}
		for _, k := range keys {
			seen[k] = struct{}{}
		}
	}

	count := 0
	for k := range seen {
		ok, err := s.store.Delete(ctx, k)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	s.recordDeletes(count)
	return count, nil
}

// MarkRateLimited writes a short-lived sentinel so dependent reads can
// detect "upstream currently rate-limited" without re-attempting the call.
func (s *Service) MarkRateLimited(ctx context.Context, key string, duration time.Duration) error {
	if duration <= 0 {
		duration = time.Minute
	}
	return s.store.Set(ctx, s.cfg.Prefix+"ratelimit:"+key, []byte("1"), duration)
}

// IsRateLimited probes the rate-limit sentinel for key.
func (s *Service) IsRateLimited(ctx context.Context, key string) bool {
	_, ok, err := s.store.Get(ctx, s.cfg.Prefix+"ratelimit:"+key)
	return err == nil && ok
}

// Stats returns the cumulative counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Hits: s.hits, Misses: s.misses, Sets: s.sets, Deletes: s.deletes}
	if lookups := s.hits + s.misses; lookups > 0 {
		stats.HitRate = float64(s.hits) / float64(lookups)
	}
	return stats
}

// ResetStats zeroes the counters without touching cached data.
func (s *Service) ResetStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hits, s.misses, s.sets, s.deletes = 0, 0, 0, 0
}

// Health classifies the cache from hit rate and backing-store reachability.
func (s *Service) Health(ctx context.Context) HealthReport {
	stats := s.Stats()
	report := HealthReport{Status: HealthHealthy, HitRate: stats.HitRate, StoreReachable: true}

	if err := s.store.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("Cache backing store unreachable")
		report.StoreReachable = false
		report.Status = HealthUnhealthy
		return report
	}
	if stats.Hits+stats.Misses >= degradedMinLookups && stats.HitRate < degradedHitRate {
		report.Status = HealthDegraded
	}
	return report
}

// write stores a marshaled payload under key, compressing large payloads.
func (s *Service) write(ctx context.Context, key string, data json.RawMessage, opts Options) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}

	entry := Entry{
		Timestamp: time.Now().UnixMilli(),
		TTL:       int(ttl.Seconds()),
		Tags:      opts.Tags,
		Size:      len(data),
	}
	if len(data) > s.cfg.CompressionThreshold {
		blob, err := gzipBytes(data)
		if err != nil {
			return fmt.Errorf("compress entry: %w", err)
		}
		entry.Blob = blob
		entry.Compressed = true
	} else {
		entry.Data = data
	}

	raw, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	// Physical TTL is a backstop; logical expiry happens on read.
	if err := s.store.Set(ctx, s.cfg.Prefix+key, raw, ttl+time.Minute); err != nil {
		return err
	}
	s.recordSet()
	return nil
}

func (e *Entry) payload() (json.RawMessage, error) {
	if !e.Compressed {
		return e.Data, nil
	}
	return gunzipBytes(e.Blob)
}

func (s *Service) recordHit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
	if s.m != nil {
		s.m.CacheHits.Inc()
	}
}

func (s *Service) recordMiss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
	if s.m != nil {
		s.m.CacheMisses.Inc()
	}
}

func (s *Service) recordSet() {
	s.mu.Lock()
	s.sets++
	s.mu.Unlock()
	if s.m != nil {
		s.m.CacheSets.Inc()
	}
}

func (s *Service) recordDeletes(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.deletes += uint64(n)
	s.mu.Unlock()
	if s.m != nil {
		s.m.CacheDeletes.Add(float64(n))
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(blob []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Fetch is a typed wrapper around GetOrFetch: cached payloads are decoded
// into T, and fresh values from fetch are cached before being returned.
func Fetch[T any](ctx context.Context, s *Service, key string, opts Options, fetch func(context.Context) (T, error)) (T, error) {
	var fetchErr error
	raw, err := s.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			fetchErr = err
			return nil, err
		}
		return v, nil
	}, opts)

	var out T
	if err != nil {
		if fetchErr != nil {
			return out, fetchErr
		}
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode cached value: %w", err)
	}
	return out, nil
}
