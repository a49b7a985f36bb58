package resilience

import (
	"sync"
	"time"

	"github.com/taskforge-ai/taskforge/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen blocks all requests.
	StateOpen
	// StateHalfOpen allows limited requests for testing recovery.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s CircuitState) String() string {
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

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs.
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// SleepWindow is how long the circuit stays open before half-open.
	SleepWindow time.Duration

	// HalfOpenSuccesses is the number of consecutive half-open successes
	// needed to close.
	HalfOpenSuccesses int

	// Logger for state transitions.
	Logger core.Logger
}

// DefaultCircuitBreakerConfig returns a production-ready configuration.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:              name,
		FailureThreshold:  5,
		SleepWindow:       30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// CircuitBreaker guards an external collaborator. Closed passes everything,
// open rejects everything until the sleep window elapses, half-open admits
// probes until enough succeed.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger core.Logger

	mu                sync.Mutex
	state             CircuitState
	failures          int
	halfOpenSuccesses int
	openedAt          time.Time
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SleepWindow <= 0 {
		config.SleepWindow = 30 * time.Second
	}
	if config.HalfOpenSuccesses <= 0 {
		config.HalfOpenSuccesses = 2
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{config: *config, logger: logger, state: StateClosed}
}

// CanExecute reports whether a request may proceed, transitioning open to
// half-open when the sleep window has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.SleepWindow {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenSuccesses {
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with the lock held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = time.Now()
		cb.halfOpenSuccesses = 0
	case StateClosed:
		cb.failures = 0
		cb.halfOpenSuccesses = 0
	case StateHalfOpen:
		cb.halfOpenSuccesses = 0
	}
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"name": cb.config.Name,
		"from": from.String(),
		"to":   to.String(),
	})
}
