package provider

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts: 6,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    1 * time.Second,
	}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1 * time.Second, // capped
		1 * time.Second,
	}
	for i, w := range want {
		if got := p.Backoff(i+1, nil); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	p := RetryPolicy{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   time.Second,
		Jitter:     0.5,
	}
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := p.Backoff(1, rnd)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 150ms]", d)
		}
	}
}

func TestStateString(t *testing.T) {
	states := map[State]string{
		StatePending:   "pending",
		StateRetrying:  "retrying",
		StateSucceeded: "succeeded",
		StateFailed:    "failed",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("%d.String() = %s, want %s", s, s.String(), want)
		}
	}
}

func TestBreakerLifecycle(t *testing.T) {
	clock := NewFakeClock(time.Now())
	b := NewBreaker(3, time.Minute, clock)

	if !b.Allow() {
		t.Fatal("closed breaker must allow")
	}
	b.Failure()
	b.Failure()
	if b.State() != BreakerClosed {
		t.Fatal("breaker tripped below threshold")
	}
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatal("breaker should be open at threshold")
	}
	if b.Allow() {
		t.Fatal("open breaker must block")
	}

	clock.Advance(61 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker should go half-open after reset window")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}

	// A half-open failure re-opens immediately.
	b.Failure()
	if b.State() != BreakerOpen {
		t.Fatal("half-open failure should re-open")
	}

	clock.Advance(61 * time.Second)
	b.Allow()
	b.Success()
	if b.State() != BreakerClosed {
		t.Fatal("success should close the breaker")
	}
}
