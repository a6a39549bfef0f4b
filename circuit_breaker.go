package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the circuit state
func (cs CircuitState) String() string {
	switch cs {
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

// CircuitBreaker implements the circuit breaker pattern for one upstream.
// The protected call runs without holding the lock so a slow upstream
// never serializes unrelated callers.
type CircuitBreaker struct {
	name             string
	maxFailures      int
	timeout          time.Duration
	failures         int
	lastFailure      time.Time
	state            CircuitState
	mutex            sync.Mutex
	successCount     int
	halfOpenInFlight int
	halfOpenMaxCalls int
	now              func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, timeout time.Duration, halfOpenMaxCalls int) *CircuitBreaker {
	if halfOpenMaxCalls <= 0 {
		halfOpenMaxCalls = 1
	}
	return &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		timeout:          timeout,
		state:            StateClosed,
		halfOpenMaxCalls: halfOpenMaxCalls,
		now:              time.Now,
	}
}

// Call executes a function with circuit breaker protection
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	err := fn()
	cb.release(err)
	return err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.timeout {
			return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		cb.transition(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight >= cb.halfOpenMaxCalls {
			return fmt.Errorf("%s: %w (half-open probe limit)", cb.name, ErrCircuitOpen)
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) release(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	wasHalfOpen := cb.state == StateHalfOpen
	if wasHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	// caller gave up; says nothing about the upstream
	if errors.Is(err, context.Canceled) {
		return
	}

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		if wasHalfOpen || cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
		return
	}

	cb.failures = 0
	if wasHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.halfOpenMaxCalls {
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with the mutex held
func (cb *CircuitBreaker) transition(to CircuitState) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.successCount = 0
	cb.halfOpenInFlight = 0

	GetLogger().LogCircuitBreaker(context.Background(), cb.name, to.String(), cb.failures)
	if mc := GetMetricsCollector(); mc != nil {
		mc.RecordCircuitBreakerStateChange(cb.name, to.String())
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return map[string]interface{}{
		"state":           cb.state.String(),
		"failures":        cb.failures,
		"max_failures":    cb.maxFailures,
		"timeout_seconds": cb.timeout.Seconds(),
		"last_failure":    cb.lastFailure,
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.transition(StateClosed)
	cb.failures = 0
	cb.lastFailure = time.Time{}
}
