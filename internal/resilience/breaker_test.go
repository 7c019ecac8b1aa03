package resilience

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second}, clock.Now)

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("closed breaker must allow: %v", err)
		}
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed before threshold, got %s", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open at threshold, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open breaker must reject immediately, got %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second}, clock.Now)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the circuit, got %s", b.State())
	}
}

func TestBreakerHalfOpenAdmitsSingleProbe(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Second}, clock.Now)

	b.RecordFailure()
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected rejection during cooldown, got %v", err)
	}

	clock.Advance(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe admission after cooldown, got %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open during probe, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second concurrent probe must be rejected, got %v", err)
	}
}

func TestBreakerProbeOutcomes(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second}, clock.Now)

	// Failed probe reopens and restarts the cooldown.
	b.RecordFailure()
	clock.Advance(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("failed probe must reopen, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("cooldown must restart after failed probe, got %v", err)
	}

	// Successful probe closes.
	clock.Advance(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("successful probe must close, got %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker must allow: %v", err)
	}
}

func TestBreakerAbandonedProbeFreesSlot(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second}, clock.Now)

	b.RecordFailure()
	clock.Advance(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe: %v", err)
	}

	b.AbandonProbe()
	if b.State() != StateHalfOpen {
		t.Fatalf("abandoning must not judge the origin, got %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("released slot must admit the next probe, got %v", err)
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreakerAbandonProbeOutsideHalfOpenIsNoop(t *testing.T) {
	clock := newFakeClock()
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: 10 * time.Second}, clock.Now)

	b.AbandonProbe()
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
	b.RecordFailure()
	b.RecordFailure()
	b.AbandonProbe()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("open circuit must keep rejecting, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
