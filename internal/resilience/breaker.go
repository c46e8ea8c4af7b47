package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Circuit states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// BreakerConfig controls when a circuit trips and how long it stays open.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Defaults to 5.
	FailureThreshold int
	// ResetTimeout is how long an open circuit rejects calls before
	// admitting a recovery probe. Defaults to 30s.
	ResetTimeout time.Duration
	// OnOpen, when set, is invoked each time a circuit trips open. Must
	// not call back into the breaker.
	OnOpen func(operation string)
}

// CircuitStatus is a read-only snapshot of one circuit.
type CircuitStatus struct {
	Operation    string    `json:"operation"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitzero"`
}

type circuit struct {
	state        string
	failureCount int
	openedAt     time.Time
	probing      bool
}

// CircuitBreaker guards named operations against a failing upstream. Each
// operation gets its own circuit, created lazily on first use.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	circuits map[string]*circuit
}

// NewCircuitBreaker creates a breaker with defaults applied.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		cfg:      cfg,
		circuits: make(map[string]*circuit),
	}
}

// Execute runs op under the circuit named operation. While the circuit is
// open it fails fast with a CircuitOpenError; otherwise the operation's own
// result is passed through untouched, with only the state transitions added
// around it. After the reset timeout a single trial call is admitted;
// concurrent callers during the probe are rejected so the recovering
// upstream is not stampeded.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation string, op func(context.Context) error) error {
	trial, err := cb.admit(operation)
	if err != nil {
		return err
	}

	opErr := op(ctx)
	cb.settle(operation, trial, opErr)
	return opErr
}

// admit decides whether a call may proceed and whether it is a half-open
// trial.
func (cb *CircuitBreaker) admit(operation string) (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.circuits[operation]
	if c == nil {
		c = &circuit{state: StateClosed}
		cb.circuits[operation] = c
	}

	switch c.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if time.Since(c.openedAt) < cb.cfg.ResetTimeout {
			return false, &CircuitOpenError{Operation: operation, State: StateOpen}
		}
		c.state = StateHalfOpen
		c.probing = true
		log.Info().Str("operation", operation).Msg("Circuit breaker half-open, admitting trial call")
		return true, nil
	default: // half-open
		if c.probing {
			return false, &CircuitOpenError{Operation: operation, State: StateOpen}
		}
		c.probing = true
		return true, nil
	}
}

// settle applies the outcome of an admitted call.
func (cb *CircuitBreaker) settle(operation string, trial bool, opErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c := cb.circuits[operation]

	if opErr == nil {
		if c.state != StateClosed {
			log.Info().Str("operation", operation).Msg("Circuit breaker closed after successful trial")
		}
		c.state = StateClosed
		c.failureCount = 0
		c.probing = false
		return
	}

	if trial {
		c.state = StateOpen
		c.openedAt = time.Now()
		c.probing = false
		log.Warn().Str("operation", operation).Msg("Circuit breaker re-opened after failed trial")
		if cb.cfg.OnOpen != nil {
			cb.cfg.OnOpen(operation)
		}
		return
	}

	c.failureCount++
	if c.state == StateClosed && c.failureCount >= cb.cfg.FailureThreshold {
		c.state = StateOpen
		c.openedAt = time.Now()
		log.Warn().
			Str("operation", operation).
			Int("failures", c.failureCount).
			Msg("Circuit breaker opened")
		if cb.cfg.OnOpen != nil {
			cb.cfg.OnOpen(operation)
		}
	}
}

// State returns the current state of the circuit for operation, StateClosed
// when the circuit has never been used.
func (cb *CircuitBreaker) State(operation string) string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if c := cb.circuits[operation]; c != nil {
		return c.state
	}
	return StateClosed
}

// Statuses returns snapshots of every circuit seen so far.
func (cb *CircuitBreaker) Statuses() []CircuitStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	statuses := make([]CircuitStatus, 0, len(cb.circuits))
	for name, c := range cb.circuits {
		statuses = append(statuses, CircuitStatus{
			Operation:    name,
			State:        c.state,
			FailureCount: c.failureCount,
			OpenedAt:     c.openedAt,
		})
	}
	return statuses
}

// Reset forces the circuit for operation back to closed.
func (cb *CircuitBreaker) Reset(operation string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if c := cb.circuits[operation]; c != nil {
		c.state = StateClosed
		c.failureCount = 0
		c.probing = false
	}
}
