// Package resilience guards origin calls with a timeout, classified retry,
// and a per-origin circuit breaker so one failing provider cannot cascade
// into the serving path.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen short-circuits a call before the origin is attempted. It is
// returned immediately, never after a timeout wait.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the breaker's position in its lifecycle.
type State int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen rejects calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen admits exactly one probe call.
	StateHalfOpen
)

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

// BreakerConfig tunes a single origin's breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is
	// admitted.
	Cooldown time.Duration
}

// DefaultBreakerConfig matches a flaky-but-recoverable external provider.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// Breaker is the per-origin circuit breaker:
//
//	Closed -> (failures >= threshold) -> Open
//	Open   -> (cool-down elapsed)     -> HalfOpen
//	HalfOpen -> probe succeeds -> Closed
//	HalfOpen -> probe fails    -> Open
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       State
	consecutive int
	openedAt    time.Time
	probing     bool
}

// NewBreaker builds a breaker. now may be nil; tests inject a clock.
func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now, state: StateClosed}
}

// State reports the current position without transitioning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow decides whether a call may proceed. While open it returns
// ErrCircuitOpen until the cool-down elapses, then admits a single probe;
// concurrent callers during the probe are rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// AbandonProbe releases a half-open probe slot without recording an
// outcome, for calls that ended for caller-side reasons and say nothing
// about the origin's health.
func (b *Breaker) AbandonProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// RecordSuccess closes the circuit after a successful call or probe.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutive = 0
	b.probing = false
}

// RecordFailure counts a failed call; the threshold or a failed probe
// reopens the circuit and restarts the cool-down.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
	default:
		b.consecutive++
		if b.consecutive >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
		}
	}
}
