// Package resilience guards lock storages that fail repeatedly or hang.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets every call through
	StateClosed State = iota
	// StateOpen rejects calls until the open interval has elapsed
	StateOpen
	// StateHalfOpen lets a probe through to test recovery
	StateHalfOpen
)

// String returns the string representation of the state
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

// ErrCircuitBreakerOpen is returned when the circuit breaker is open
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreaker opens after maxFailures consecutive failures and stays open for openFor.
type CircuitBreaker struct {
	maxFailures  int
	openFor      time.Duration
	now          func() time.Time
	onTransition func(from, to State)

	mu           sync.Mutex
	state        State
	failures     int
	lastFailTime time.Time
}

// BreakerOption customizes a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithNow overrides the time source, mainly for tests.
func WithNow(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithTransitionHook is called, outside the breaker lock, on every state change.
func WithTransitionHook(hook func(from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onTransition = hook
	}
}

// NewCircuitBreaker creates a closed breaker. maxFailures below 1 is treated as 1.
func NewCircuitBreaker(maxFailures int, openFor time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		maxFailures: maxFailures,
		openFor:     openFor,
		now:         time.Now,
		state:       StateClosed,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cb)
		}
	}
	return cb
}

// Execute runs fn if the breaker allows it and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}
	err := fn()
	cb.Record(err)
	return err
}

// Allow reports whether a call may proceed, moving an expired open breaker to half-open.
func (cb *CircuitBreaker) Allow() bool {
	return cb.allow()
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed, StateHalfOpen:
		cb.mu.Unlock()
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) < cb.openFor {
			cb.mu.Unlock()
			return false
		}
		cb.state = StateHalfOpen
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen)
		return true
	default:
		cb.mu.Unlock()
		return false
	}
}

// Record feeds the outcome of a call that bypassed Execute into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	if err != nil {
		cb.recordFailure()
		return
	}
	cb.recordSuccess()
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.lastFailTime = cb.now()
	switch cb.state {
	case StateHalfOpen:
		// a failed probe reopens immediately
		cb.state = StateOpen
		cb.failures = 0
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.failures = 0
		}
	}
	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
	}
	cb.failures = 0
	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onTransition != nil {
		cb.onTransition(from, to)
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count while closed
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and clears the failure count
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
