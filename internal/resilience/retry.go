package resilience

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig controls the capped exponential backoff.
type RetryConfig struct {
	MaxRetries    int           // additional attempts after the first; default 3
	BaseDelay     time.Duration // default 1s
	MaxDelay      time.Duration // default 30s
	BackoffFactor float64       // default 2
}

// RetryManager re-issues failed operations with capped exponential backoff.
type RetryManager struct {
	cfg RetryConfig
}

// NewRetryManager creates a manager with defaults applied.
func NewRetryManager(cfg RetryConfig) *RetryManager {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}
	return &RetryManager{cfg: cfg}
}

// Execute invokes op, retrying on classified-retryable failures up to
// MaxRetries additional attempts (MaxRetries+1 total). A nil shouldRetry
// uses IsRetryable. The last error is returned unwrapped so callers can
// match the original failure kind. When the context is cancelled mid-retry
// the last observed error is surfaced, or the context error if no attempt
// has completed.
func (r *RetryManager) Execute(ctx context.Context, op func(context.Context) error, shouldRetry func(error) bool) error {
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.backoff(lastErr, attempt)
		log.Debug().
			Err(lastErr).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after failure")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}
	return lastErr
}

// backoff picks the wait before the next attempt: an upstream Retry-After
// wins over the computed exponential delay.
func (r *RetryManager) backoff(err error, attempt int) time.Duration {
	if rateLimited(err) {
		return RetryDelay(err)
	}
	delay := time.Duration(float64(r.cfg.BaseDelay) * math.Pow(r.cfg.BackoffFactor, float64(attempt)))
	if delay > r.cfg.MaxDelay || delay <= 0 {
		delay = r.cfg.MaxDelay
	}
	return delay
}

func rateLimited(err error) bool {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var apiErr *ExternalAPIError
	return errors.As(err, &apiErr) && (apiErr.RateLimited || apiErr.StatusCode == http.StatusTooManyRequests)
}

// RetryDelay derives a wait from the error itself: an explicit Retry-After
// when the upstream provided one, 60s for plain HTTP 429, 1s otherwise.
func RetryDelay(err error) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		if rle.RetryAfter > 0 {
			return rle.RetryAfter
		}
		return time.Minute
	}
	var apiErr *ExternalAPIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return time.Minute
	}
	return time.Second
}

// IsRetryable classifies an error: connection-level network failures and
// timeouts are retryable, resilience errors follow their own flag, and
// upstream HTTP failures are retryable only for 5xx and 429.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re retryableError
	if errors.As(err, &re) {
		return re.RetryableError()
	}
	return isNetworkError(err)
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

func isNetworkError(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
