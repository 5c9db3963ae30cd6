package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	// Closed lets every call through.
	Closed State = iota
	// Open rejects calls until the cool-down elapses.
	Open
	// HalfOpen lets trial calls through to probe recovery.
	HalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen is returned by Execute while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker guards calls to an unreliable dependency.
type Breaker struct {
	failureThreshold uint32
	successThreshold uint32
	coolDown         time.Duration
	now              func() time.Time

	mu                   sync.Mutex
	state                State
	consecutiveFailures  uint32
	consecutiveSuccesses uint32
	openedAt             time.Time
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a Breaker.
// failureThreshold: consecutive failures that open the circuit.
// successThreshold: consecutive half-open successes that close it again.
// coolDown: how long the circuit stays open before probing.
func New(failureThreshold, successThreshold uint32, coolDown time.Duration, opts ...Option) *Breaker {
	if failureThreshold == 0 {
		failureThreshold = 1
	}
	if successThreshold == 0 {
		successThreshold = 1
	}
	b := &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		coolDown:         coolDown,
		now:              time.Now,
		state:            Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state, moving Open to HalfOpen once the
// cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() bool {
	return b.State() != Open
}

// Execute runs fn unless the circuit is open. fn's error counts as a failure.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	b.Record(err == nil)
	return err
}

// Record feeds the outcome of a call that was made outside Execute.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	if success {
		switch b.state {
		case HalfOpen:
			b.consecutiveSuccesses++
			if b.consecutiveSuccesses >= b.successThreshold {
				b.reset()
			}
		case Closed:
			b.consecutiveFailures = 0
		}
		return
	}

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) refresh() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.coolDown {
		b.state = HalfOpen
		b.consecutiveSuccesses = 0
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
}

func (b *Breaker) reset() {
	b.state = Closed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
}
