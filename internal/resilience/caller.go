package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrTimeout marks an origin attempt that exceeded its per-attempt deadline.
var ErrTimeout = errors.New("resilience: origin timeout")

// RateLimitError is returned by origin functions when the provider pushed
// back. Rate-limited attempts wait longer than generic failures before
// retrying; RetryAfter, when the provider supplied one, overrides the
// configured delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("resilience: rate limited, retry after %s", e.RetryAfter)
	}
	return "resilience: rate limited"
}

// Class buckets origin failures for backoff selection and metrics.
type Class string

const (
	ClassTimeout   Class = "timeout"
	ClassRateLimit Class = "rate_limit"
	ClassTransport Class = "transport"
	ClassCircuit   Class = "circuit_open"
)

// Classify maps an origin error to its failure class.
func Classify(err error) Class {
	var rl *RateLimitError
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ClassCircuit
	case errors.As(err, &rl):
		return ClassRateLimit
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return ClassTimeout
	default:
		return ClassTransport
	}
}

// CallerConfig tunes one origin's timeout, retry, and breaker behavior.
type CallerConfig struct {
	// Timeout bounds each individual attempt. Origin-specific: short for
	// latency-sensitive classification, longer for heavy generation.
	Timeout time.Duration
	// MaxAttempts caps retries per Call, first attempt included.
	MaxAttempts int
	// InitialDelay seeds the exponential backoff; jitter is applied by the
	// backoff implementation.
	InitialDelay time.Duration
	// MaxDelay caps a single backoff interval.
	MaxDelay time.Duration
	// Multiplier grows the interval between attempts.
	Multiplier float64
	// RateLimitDelay is the minimum wait after a rate-limited attempt.
	RateLimitDelay time.Duration
	Breaker        BreakerConfig
}

// DefaultCallerConfig returns the tuning used when an origin has no
// dedicated configuration.
func DefaultCallerConfig() CallerConfig {
	return CallerConfig{
		Timeout:        10 * time.Second,
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		RateLimitDelay: 5 * time.Second,
		Breaker:        DefaultBreakerConfig(),
	}
}

func (c CallerConfig) withDefaults() CallerConfig {
	def := DefaultCallerConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = def.Multiplier
	}
	if c.RateLimitDelay <= 0 {
		c.RateLimitDelay = def.RateLimitDelay
	}
	return c
}

// Caller wraps a single origin with timeout, classified retry, and the
// origin's circuit breaker.
type Caller struct {
	name    string
	cfg     CallerConfig
	breaker *Breaker
	logger  *slog.Logger
}

// NewCaller builds a caller for one named origin.
func NewCaller(name string, cfg CallerConfig, logger *slog.Logger) *Caller {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Caller{
		name:    name,
		cfg:     cfg,
		breaker: NewBreaker(cfg.Breaker, nil),
		logger:  logger.With(slog.String("origin", name)),
	}
}

// Breaker exposes the caller's breaker for health reporting.
func (c *Caller) Breaker() *Breaker { return c.breaker }

// Call runs the origin function under the full resilience stack. An open
// circuit fails immediately with ErrCircuitOpen; otherwise attempts are
// retried with exponential backoff and jitter, rate-limited attempts wait
// at least the configured longer delay, and the final outcome feeds the
// breaker. Retry never outlives ctx; a call that dies because ctx was
// canceled is neutral for the breaker.
func (c *Caller) Call(ctx context.Context, op func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			// A panicking origin is a failed call; without this a
			// half-open probe slot would never be released.
			c.breaker.RecordFailure()
			panic(r)
		}
	}()

	var lastErr error
	attempt := 0
	operation := func() (json.RawMessage, error) {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		payload, err := op(attemptCtx)
		if err == nil {
			return payload, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s after %s", ErrTimeout, c.name, c.cfg.Timeout)
		}
		lastErr = err

		switch {
		case ctx.Err() != nil:
			return nil, backoff.Permanent(err)
		case Classify(err) == ClassRateLimit:
			delay := c.cfg.RateLimitDelay
			var rl *RateLimitError
			if errors.As(err, &rl) && rl.RetryAfter > delay {
				delay = rl.RetryAfter
			}
			seconds := int(delay / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			return nil, backoff.RetryAfter(seconds)
		default:
			return nil, err
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.cfg.InitialDelay
	expo.MaxInterval = c.cfg.MaxDelay
	expo.Multiplier = c.cfg.Multiplier

	payload, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Debug("origin attempt failed",
				slog.Int("attempt", attempt),
				slog.String("class", string(Classify(err))),
				slog.Duration("next_wait", wait),
				slog.Any("error", err))
		}),
	)
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		if ctx.Err() != nil {
			// The caller went away mid-call. That says nothing about
			// the origin's health, so the breaker records no outcome.
			c.breaker.AbandonProbe()
			return nil, err
		}
		c.breaker.RecordFailure()
		return nil, err
	}
	c.breaker.RecordSuccess()
	return payload, nil
}

// Registry hands out one Caller per origin, creating them on first use so
// breaker state accumulates per origin for the life of the process.
type Registry struct {
	defaults CallerConfig
	logger   *slog.Logger

	mu       sync.RWMutex
	overlays map[string]CallerConfig
	callers  map[string]*Caller
}

// NewRegistry builds a caller registry with shared defaults.
func NewRegistry(defaults CallerConfig, logger *slog.Logger) *Registry {
	return &Registry{
		defaults: defaults.withDefaults(),
		logger:   logger,
		overlays: make(map[string]CallerConfig),
		callers:  make(map[string]*Caller),
	}
}

// Configure installs an origin-specific tuning. Must be called before the
// origin's first use; later calls are ignored once a caller exists.
func (r *Registry) Configure(name string, cfg CallerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.callers[name]; exists {
		return
	}
	r.overlays[name] = cfg.withDefaults()
}

// Caller returns the origin's caller, creating it on first use.
func (r *Registry) Caller(name string) *Caller {
	r.mu.RLock()
	caller, ok := r.callers[name]
	r.mu.RUnlock()
	if ok {
		return caller
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if caller, ok = r.callers[name]; ok {
		return caller
	}
	cfg, ok := r.overlays[name]
	if !ok {
		cfg = r.defaults
	}
	caller = NewCaller(name, cfg, r.logger)
	r.callers[name] = caller
	return caller
}

// BreakerStates snapshots every known origin's breaker position.
func (r *Registry) BreakerStates() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]State, len(r.callers))
	for name, caller := range r.callers {
		states[name] = caller.breaker.State()
	}
	return states
}
