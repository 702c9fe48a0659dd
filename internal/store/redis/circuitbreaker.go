package redis

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed   BreakerState = iota // calls pass through
	StateOpen                         // calls rejected until the cooldown elapses
	StateHalfOpen                     // one trial call in flight
)

func (s BreakerState) String() string {
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

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("redis: circuit breaker is open")

// CircuitBreaker guards state-store calls against a flapping Redis.
// After maxFailures consecutive failures it opens for openFor; the first call
// after that is a single trial whose result closes or reopens the breaker.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	maxFailures int
	openFor     time.Duration
	openedAt    time.Time
	trying      bool
	now         func() time.Time

	// OnStateChange is called under the breaker lock; keep it cheap.
	OnStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker. A nil now uses time.Now.
func NewCircuitBreaker(maxFailures int, openFor time.Duration, now func() time.Time) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		openFor:     openFor,
		now:         now,
	}
}

// Execute runs fn unless the breaker is open. Context cancellation of the
// caller is not counted as a Redis failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	wasTrial := cb.trying
	cb.trying = false

	if err != nil && ctx.Err() == nil {
		cb.failures++
		if wasTrial || cb.failures >= cb.maxFailures {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
		return err
	}
	if err != nil {
		if wasTrial {
			cb.transition(StateOpen)
		}
		return err
	}

	cb.failures = 0
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
	return nil
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.openFor {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.trying = true
	case StateHalfOpen:
		if cb.trying {
			return ErrCircuitOpen
		}
		cb.trying = true
	}
	return nil
}

// CurrentState returns the breaker state.
func (cb *CircuitBreaker) CurrentState() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
