package resilience

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit state for one (model, provider) pair.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitOpenError is returned when dispatch is skipped because the
// circuit for (model, provider) is open. Callers may retry after
// RetryAfter or fail over to another arm.
type CircuitOpenError struct {
	Model      string
	Provider   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s/%s (retry after %s)", e.Provider, e.Model, e.RetryAfter)
}

// BreakerSet tracks failure state per (model, provider).
//
// Transitions: closed→open after MaxFailures consecutive failures;
// open→half_open once ResetTimeout has elapsed (exactly one probe is let
// through); half_open→closed on the probe's success, half_open→open on
// its failure.
type BreakerSet struct {
	mu           sync.Mutex
	states       map[string]*breaker
	maxFailures  int
	resetTimeout time.Duration

	now func() time.Time
	// onTransition is invoked outside the hot path lock-free contract:
	// it must be fast and non-blocking (metrics increments).
	onTransition func(model, provider string, from, to BreakerState)
}

type breaker struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
}

// NewBreakerSet creates a breaker registry.
func NewBreakerSet(maxFailures int, resetTimeout time.Duration) *BreakerSet {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	return &BreakerSet{
		states:       make(map[string]*breaker),
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// OnTransition registers a callback fired on every state change.
func (s *BreakerSet) OnTransition(fn func(model, provider string, from, to BreakerState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTransition = fn
}

// ShouldAttempt reports whether a dispatch to (model, provider) may
// proceed. While open and inside the reset window it returns false; the
// first call after the window transitions to half_open and admits exactly
// one probe until its outcome is recorded.
func (s *BreakerSet) ShouldAttempt(model, provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.ensure(model, provider)
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default: // StateOpen
		if s.now().Sub(b.lastFailure) < s.resetTimeout {
			return false
		}
		s.transition(b, model, provider, StateHalfOpen)
		b.probing = true
		return true
	}
}

// RetryAfter returns how long until the circuit will admit a probe, zero
// when dispatch is currently allowed.
func (s *BreakerSet) RetryAfter(model, provider string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.ensure(model, provider)
	if b.state != StateOpen {
		return 0
	}
	remaining := s.resetTimeout - s.now().Sub(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess closes the circuit and clears failure history.
func (s *BreakerSet) RecordSuccess(model, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.ensure(model, provider)
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		s.transition(b, model, provider, StateClosed)
	}
}

// RecordFailure counts a failure; a half-open probe failure reopens the
// circuit immediately.
func (s *BreakerSet) RecordFailure(model, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.ensure(model, provider)
	b.failures++
	b.lastFailure = s.now()
	b.probing = false

	switch b.state {
	case StateHalfOpen:
		s.transition(b, model, provider, StateOpen)
	case StateClosed:
		if b.failures >= s.maxFailures {
			s.transition(b, model, provider, StateOpen)
		}
	}
}

// State returns the current state for observability.
func (s *BreakerSet) State(model, provider string) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(model, provider).state
}

func (s *BreakerSet) ensure(model, provider string) *breaker {
	key := model + "|" + provider
	b, ok := s.states[key]
	if !ok {
		b = &breaker{state: StateClosed}
		s.states[key] = b
	}
	return b
}

func (s *BreakerSet) transition(b *breaker, model, provider string, to BreakerState) {
	from := b.state
	b.state = to
	if s.onTransition != nil {
		s.onTransition(model, provider, from, to)
	}
}
