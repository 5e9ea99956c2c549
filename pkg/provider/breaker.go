package provider

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state for one provider.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker trips after consecutive fetch failures so a dead provider is
// skipped without burning its rate budget. After ResetAfter it lets one
// probe request through (half-open); a success closes it again.
type Breaker struct {
	Threshold  int
	ResetAfter time.Duration

	clock Clock

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

// NewBreaker creates a breaker with the given trip threshold and reset delay.
func NewBreaker(threshold int, resetAfter time.Duration, clock Clock) *Breaker {
	if clock == nil {
		clock = SystemClock()
	}
	return &Breaker{Threshold: threshold, ResetAfter: resetAfter, clock: clock}
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.ResetAfter {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// Success records a successful fetch and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.state = BreakerClosed
	b.mu.Unlock()
}

// Failure records a failed fetch, tripping the breaker at the threshold.
// A failure while half-open re-opens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.Threshold {
		b.state = BreakerOpen
		b.openedAt = b.clock.Now()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
