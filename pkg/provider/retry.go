package provider

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// State is the explicit lifecycle of one fetch request through the retry
// machinery. Modeling it as a state machine keeps backoff testable with a
// fake clock instead of real network timing.
type State int

const (
	StatePending State = iota
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// RetryPolicy configures exponential backoff for transient failures.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the first retry
	Multiplier  float64       // growth factor per retry
	MaxDelay    time.Duration // cap on any single delay
	Jitter      float64       // fraction of the delay randomized, 0..1
}

// DefaultRetryPolicy mirrors typical odds API guidance: a handful of
// attempts with sub-minute total wait.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Second,
		Jitter:      0.2,
	}
}

// Backoff returns the delay before retry number n (n >= 1).
func (p RetryPolicy) Backoff(n int, rnd *rand.Rand) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.Jitter > 0 && rnd != nil {
		// Symmetric jitter around the nominal delay.
		d += d * p.Jitter * (2*rnd.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Clock abstracts time for the retry loop so tests can drive backoff
// deterministically.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock returns the real-time clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	Slep []time.Duration // recorded sleep durations
}

// NewFakeClock creates a fake clock starting at t.
func NewFakeClock(t time.Time) *FakeClock { return &FakeClock{now: t} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Sleep records the requested duration and advances instantly.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.Slep = append(c.Slep, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}
