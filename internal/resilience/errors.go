package resilience

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoKeys is returned when a KeyManager is constructed without any usable
// credentials.
var ErrNoKeys = errors.New("no API keys provided")

// retryableError is implemented by errors that carry their own retry policy.
type retryableError interface {
	RetryableError() bool
}

// ExternalAPIError wraps any upstream failure with enough context to
// reconstruct it from logs without retrying in production.
type ExternalAPIError struct {
	Message       string
	StatusCode    int
	Source        string
	CorrelationID string
	Retryable     bool
	RateLimited   bool
	Err           error
}

// NewExternalAPIError builds an upstream error with a fresh correlation ID.
func NewExternalAPIError(source, message string, statusCode int, retryable bool) *ExternalAPIError {
	return &ExternalAPIError{
		Message:       message,
		StatusCode:    statusCode,
		Source:        source,
		CorrelationID: uuid.NewString(),
		Retryable:     retryable,
	}
}

func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("%s: %s (status %d, correlation %s)", e.Source, e.Message, e.StatusCode, e.CorrelationID)
}

func (e *ExternalAPIError) Unwrap() error { return e.Err }

func (e *ExternalAPIError) RetryableError() bool { return e.Retryable }

// RateLimitError signals that local admission control or the upstream
// rejected the call due to rate limiting. Always retryable.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limit exceeded, retry after %s", e.Source, e.RetryAfter)
}

func (e *RateLimitError) RetryableError() bool { return true }

// CircuitOpenError is returned when a circuit breaker rejects a call without
// invoking the protected operation. Never retryable: the breaker itself
// schedules the recovery probe.
type CircuitOpenError struct {
	Operation string
	State     string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s for operation %q", e.State, e.Operation)
}

func (e *CircuitOpenError) RetryableError() bool { return false }
