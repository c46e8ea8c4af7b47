package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// RateLimiterConfig holds the admission budgets for both windows.
type RateLimiterConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
}

// DefaultRateLimiterConfig matches the free tiers of the market-data
// providers we talk to.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
	}
}

// WindowStatus describes the occupancy of a single window.
type WindowStatus struct {
	RemainingPoints int   `json:"remaining_points"`
	MsBeforeNext    int64 `json:"ms_before_next"`
	TotalHits       int   `json:"total_hits"`
}

// LimiterStatus is the introspection snapshot for one key.
type LimiterStatus struct {
	Minute WindowStatus `json:"minute"`
	Hour   WindowStatus `json:"hour"`
}

type keyWindows struct {
	minute []time.Time
	hour   []time.Time
}

// RateLimiter enforces per-key sliding-window admission control over a
// minute and an hour budget. Keys are fully isolated from each other; all
// state is process-local.
type RateLimiter struct {
	mu      sync.Mutex
	cfg     RateLimiterConfig
	windows map[string]*keyWindows
}

// NewRateLimiter creates a limiter. Non-positive budgets fall back to the
// defaults.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	def := DefaultRateLimiterConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.RequestsPerHour <= 0 {
		cfg.RequestsPerHour = def.RequestsPerHour
	}
	return &RateLimiter{
		cfg:     cfg,
		windows: make(map[string]*keyWindows),
	}
}

// CheckLimit admits one request for key or fails with a RateLimitError
// carrying the time until the oldest entry ages out of the exhausted window.
func (r *RateLimiter) CheckLimit(key string) error {
	if key == "" {
		key = "default"
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.getWindows(key)
	w.prune(now)

	if len(w.minute) >= r.cfg.RequestsPerMinute {
		retryAfter := w.minute[0].Add(minuteWindow).Sub(now)
		log.Debug().Str("key", key).Dur("retry_after", retryAfter).Msg("Rate limit hit (minute window)")
		return &RateLimitError{Source: "rate_limiter:" + key, RetryAfter: retryAfter}
	}
	if len(w.hour) >= r.cfg.RequestsPerHour {
		retryAfter := w.hour[0].Add(hourWindow).Sub(now)
		log.Debug().Str("key", key).Dur("retry_after", retryAfter).Msg("Rate limit hit (hour window)")
		return &RateLimitError{Source: "rate_limiter:" + key, RetryAfter: retryAfter}
	}

	w.minute = append(w.minute, now)
	w.hour = append(w.hour, now)
	return nil
}

// CanMakeRequest is a non-consuming probe of both windows.
func (r *RateLimiter) CanMakeRequest(key string) bool {
	if key == "" {
		key = "default"
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.getWindows(key)
	w.prune(now)
	return len(w.minute) < r.cfg.RequestsPerMinute && len(w.hour) < r.cfg.RequestsPerHour
}

// Status reports the occupancy of both windows for key.
func (r *RateLimiter) Status(key string) LimiterStatus {
	if key == "" {
		key = "default"
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.getWindows(key)
	w.prune(now)

	return LimiterStatus{
		Minute: windowStatus(w.minute, r.cfg.RequestsPerMinute, minuteWindow, now),
		Hour:   windowStatus(w.hour, r.cfg.RequestsPerHour, hourWindow, now),
	}
}

// Reset clears the windows for the given keys, or every key when none are
// given.
func (r *RateLimiter) Reset(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(keys) == 0 {
		r.windows = make(map[string]*keyWindows)
		return
	}
	for _, key := range keys {
		delete(r.windows, key)
	}
}

// UpdateConfig changes the budgets for subsequent checks. Existing window
// entries are kept as-is; non-positive values leave the current budget
// unchanged.
func (r *RateLimiter) UpdateConfig(requestsPerMinute, requestsPerHour int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requestsPerMinute > 0 {
		r.cfg.RequestsPerMinute = requestsPerMinute
	}
	if requestsPerHour > 0 {
		r.cfg.RequestsPerHour = requestsPerHour
	}
	log.Info().
		Int("requests_per_minute", r.cfg.RequestsPerMinute).
		Int("requests_per_hour", r.cfg.RequestsPerHour).
		Msg("Rate limiter config updated")
}

// getWindows returns the windows for key, creating them on first use.
// Must be called while holding r.mu.
func (r *RateLimiter) getWindows(key string) *keyWindows {
	w := r.windows[key]
	if w == nil {
		w = &keyWindows{}
		r.windows[key] = w
	}
	return w
}

// prune drops entries that have aged out of their window.
func (w *keyWindows) prune(now time.Time) {
	w.minute = pruneBefore(w.minute, now.Add(-minuteWindow))
	w.hour = pruneBefore(w.hour, now.Add(-hourWindow))
}

func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(hits); i++ {
		if hits[i].After(cutoff) {
			break
		}
	}
	return hits[i:]
}

func windowStatus(hits []time.Time, limit int, window time.Duration, now time.Time) WindowStatus {
	remaining := limit - len(hits)
	if remaining < 0 {
		remaining = 0
	}
	var msBeforeNext int64
	if len(hits) > 0 {
		msBeforeNext = hits[0].Add(window).Sub(now).Milliseconds()
		if msBeforeNext < 0 {
			msBeforeNext = 0
		}
	}
	return WindowStatus{
		RemainingPoints: remaining,
		MsBeforeNext:    msBeforeNext,
		TotalHits:       len(hits),
	}
}
