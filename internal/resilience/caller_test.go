package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() CallerConfig {
	return CallerConfig{
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialDelay:   time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
		Multiplier:     2.0,
		RateLimitDelay: time.Second,
		Breaker:        BreakerConfig{FailureThreshold: 50, Cooldown: time.Minute},
	}
}

func TestCallerRetriesTransportErrors(t *testing.T) {
	caller := NewCaller("origin", fastConfig(), discardLogger())

	var attempts atomic.Int64
	payload, err := caller.Call(context.Background(), func(context.Context) (json.RawMessage, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(payload))
	require.EqualValues(t, 3, attempts.Load())
}

func TestCallerReturnsOriginErrorAfterExhaustion(t *testing.T) {
	caller := NewCaller("origin", fastConfig(), discardLogger())

	cause := errors.New("upstream exploded")
	var attempts atomic.Int64
	_, err := caller.Call(context.Background(), func(context.Context) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, cause
	})

	require.ErrorIs(t, err, cause, "exhausted retries must surface the origin error")
	require.EqualValues(t, 3, attempts.Load())
}

func TestCallerTimeoutClassification(t *testing.T) {
	cfg := fastConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxAttempts = 1
	caller := NewCaller("slow", cfg, discardLogger())

	_, err := caller.Call(context.Background(), func(ctx context.Context) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, ClassTimeout, Classify(err))
}

func TestCallerHonorsParentCancellation(t *testing.T) {
	caller := NewCaller("origin", fastConfig(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int64
	_, err := caller.Call(ctx, func(context.Context) (json.RawMessage, error) {
		attempts.Add(1)
		cancel()
		return nil, errors.New("first failure")
	})

	require.Error(t, err)
	require.EqualValues(t, 1, attempts.Load(), "a cancelled context must stop further attempts")
}

func TestCallerCancellationDoesNotFeedBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.Breaker = BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}
	caller := NewCaller("origin", cfg, discardLogger())

	// A burst of client disconnects well past the failure threshold.
	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := caller.Call(ctx, func(ctx context.Context) (json.RawMessage, error) {
			return nil, ctx.Err()
		})
		require.Error(t, err)
	}
	require.Equal(t, StateClosed, caller.Breaker().State(),
		"caller-side cancellation must not open the circuit")

	payload, err := caller.Call(context.Background(), func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(payload))
}

func TestCallerCancelledProbeReleasesSlot(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.Breaker = BreakerConfig{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}
	caller := NewCaller("origin", cfg, discardLogger())

	_, err := caller.Call(context.Background(), func(context.Context) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, StateOpen, caller.Breaker().State())

	// The admitted probe dies to a client disconnect; the slot must free up
	// for the next caller instead of wedging half-open.
	time.Sleep(30 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = caller.Call(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return nil, ctx.Err()
	})
	require.Error(t, err)

	payload, err := caller.Call(context.Background(), func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(payload))
	require.Equal(t, StateClosed, caller.Breaker().State())
}

func TestCallerPanicCountsAsFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.Breaker = BreakerConfig{FailureThreshold: 1, Cooldown: 20 * time.Millisecond}
	caller := NewCaller("origin", cfg, discardLogger())

	boom := func(context.Context) (json.RawMessage, error) { panic("origin exploded") }

	require.Panics(t, func() {
		_, _ = caller.Call(context.Background(), boom)
	})
	require.Equal(t, StateOpen, caller.Breaker().State())

	// A panicked probe reopens the circuit rather than wedging the slot.
	time.Sleep(30 * time.Millisecond)
	require.Panics(t, func() {
		_, _ = caller.Call(context.Background(), boom)
	})
	require.Equal(t, StateOpen, caller.Breaker().State())

	time.Sleep(30 * time.Millisecond)
	payload, err := caller.Call(context.Background(), func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(payload))
	require.Equal(t, StateClosed, caller.Breaker().State())
}

func TestCallerOpensBreakerAndShortCircuits(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	cfg.Breaker = BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}
	caller := NewCaller("flaky", cfg, discardLogger())

	var attempts atomic.Int64
	fail := func(context.Context) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errors.New("boom")
	}

	_, err := caller.Call(context.Background(), fail)
	require.Error(t, err)
	_, err = caller.Call(context.Background(), fail)
	require.Error(t, err)
	require.Equal(t, StateOpen, caller.Breaker().State())

	_, err = caller.Call(context.Background(), fail)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.EqualValues(t, 2, attempts.Load(), "open circuit must not invoke the origin")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{ErrCircuitOpen, ClassCircuit},
		{&RateLimitError{}, ClassRateLimit},
		{&RateLimitError{RetryAfter: time.Minute}, ClassRateLimit},
		{context.DeadlineExceeded, ClassTimeout},
		{ErrTimeout, ClassTimeout},
		{errors.New("anything else"), ClassTransport},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.err), "classify %v", tc.err)
	}
}

func TestRegistryReusesCallersAndAppliesOverlays(t *testing.T) {
	reg := NewRegistry(fastConfig(), discardLogger())

	custom := fastConfig()
	custom.MaxAttempts = 7
	reg.Configure("special", custom)

	special := reg.Caller("special")
	require.Equal(t, 7, special.cfg.MaxAttempts)
	require.Same(t, special, reg.Caller("special"))

	plain := reg.Caller("plain")
	require.Equal(t, 3, plain.cfg.MaxAttempts)

	// Tuning changes after first use are ignored; the breaker keeps its
	// accumulated state.
	late := fastConfig()
	late.MaxAttempts = 9
	reg.Configure("special", late)
	require.Equal(t, 7, reg.Caller("special").cfg.MaxAttempts)

	states := reg.BreakerStates()
	require.Len(t, states, 2)
	require.Equal(t, StateClosed, states["special"])
	require.Equal(t, StateClosed, states["plain"])
}
