// Package resilience provides the fault-tolerance primitives wrapped around
// document store calls: a circuit breaker and a context-based timeout. Store
// calls are never retried.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is in the Open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current phase of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig controls failure thresholds and recovery timing. Zero
// values fall back to 5 failures, a 30s reset and a single half-open probe.
type CircuitBreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
	// OnStateChange, if set, is called with the new state after every
	// transition while the breaker's lock is held.
	OnStateChange func(name string, to State)
	// IsFailure decides which errors count toward the threshold. Nil means
	// every non-nil error does.
	IsFailure func(error) bool
}

// CircuitBreaker fails store calls fast once FailureThreshold consecutive
// failures have been seen. After ResetTimeout it lets HalfOpenMaxRequests
// probes through; one success closes it again, one failure re-opens it.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

// NewCircuitBreaker creates a closed CircuitBreaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
	}
}

// Execute runs fn if the circuit allows it and records the outcome. When the
// circuit is open fn is not called and the error wraps ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// GetState returns the current State of the circuit breaker.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit breaker back to the Closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.logger.Info("circuit manually reset")
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		wait := cb.cfg.ResetTimeout - time.Since(cb.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: %s (retry after %v)", ErrCircuitOpen, cb.name, wait.Round(time.Millisecond))
		}
		cb.transition(StateHalfOpen)
		cb.probes = 1
		cb.logger.Info("circuit half-open, probing")
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxRequests {
			return fmt.Errorf("%w: %s (half-open probe limit reached)", ErrCircuitOpen, cb.name)
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	failed := err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err))
	if !failed {
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
			cb.logger.Info("circuit closed after successful probe")
		}
		cb.failures = 0
		return
	}

	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.trip()
		cb.logger.Warn("circuit re-opened, probe failed", "error", err)
	case cb.state == StateClosed && cb.failures >= cb.cfg.FailureThreshold:
		cb.trip()
		cb.logger.Warn("circuit opened", "consecutive_failures", cb.failures, "error", err)
	}
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt = time.Now()
	cb.transition(StateOpen)
}

// transition moves to the given state and clears the per-state counters.
func (cb *CircuitBreaker) transition(to State) {
	cb.state = to
	cb.probes = 0
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, to)
	}
}
