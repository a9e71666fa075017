package client

import (
	"errors"
	"sync"
	"time"

	"github.com/tair/cart-sync/pkg/logger"
)

// ErrCircuitOpen is returned without calling the remote API while the circuit is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"    // Normal operation
	StateOpen     CircuitState = "open"      // Blocking requests
	StateHalfOpen CircuitState = "half-open" // Testing if the API recovered
)

// CircuitBreaker stops calling the remote cart API after consecutive failures.
// It never retries; a rejected call fails immediately.
type CircuitBreaker struct {
	name             string
	maxFailures      int
	openTimeout      time.Duration
	halfOpenRequired int
	state            CircuitState
	failures         int
	successCount     int
	lastStateChange  time.Time
	now              func() time.Time
	mu               sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker. maxFailures <= 0 disables it.
func NewCircuitBreaker(name string, maxFailures int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		openTimeout:      openTimeout,
		halfOpenRequired: 1,
		state:            StateClosed,
		lastStateChange:  time.Now(),
		now:              time.Now,
	}
}

// Call runs fn unless the circuit is open. countsAsFailure decides which errors trip the circuit.
func (cb *CircuitBreaker) Call(fn func() error, countsAsFailure func(error) bool) error {
	if cb == nil || cb.maxFailures <= 0 {
		return fn()
	}

	cb.mu.Lock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastStateChange) > cb.openTimeout {
		cb.transition(StateHalfOpen)
	}
	state := cb.state
	cb.mu.Unlock()

	if state == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil && countsAsFailure(err) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	switch {
	case cb.state == StateHalfOpen:
		cb.transition(StateOpen)
	case cb.failures >= cb.maxFailures && cb.state == StateClosed:
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenRequired {
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.lastStateChange = cb.now()
	cb.successCount = 0
	if to == StateClosed {
		cb.failures = 0
	}

	event := logger.Logger.Info()
	if to == StateOpen {
		event = logger.Logger.Warn().Int("failures", cb.failures)
	}
	event.
		Str("circuit", cb.name).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Circuit breaker state changed")
}
