package cache

import (
	"fmt"
	"time"
)

// Window restricts expensive background refreshes to a time-of-day band.
// Hours are [Start, End) in the configured location; Start > End wraps past
// midnight. The zero value keeps the window always open.
type Window struct {
	StartHour int
	EndHour   int
	Location  *time.Location
}

// Open reports whether the window admits the given instant.
func (w Window) Open(now time.Time) bool {
	if w.StartHour == 0 && w.EndHour == 0 {
		return true
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := now.In(loc).Hour()
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

func (w Window) validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 23 {
		return fmt.Errorf("cache: window hours must be within 0-23, got [%d, %d)", w.StartHour, w.EndHour)
	}
	return nil
}

// Policy carries the per-namespace cache tuning. Policies are fixed at
// startup (or operator reload); entries never carry their own.
type Policy struct {
	// L1TTL bounds how long a hot-tier copy is considered current.
	L1TTL time.Duration
	// L1Grace extends L1 serving slightly past the TTL so readers are not
	// stalled while a background refresh is in flight.
	L1Grace time.Duration
	// RefreshThreshold is the data age past which an L2 hit is reported
	// stale and a background refresh becomes eligible.
	RefreshThreshold time.Duration
	// BackgroundRefresh gates the asynchronous refresh path entirely.
	BackgroundRefresh bool
	// RefreshWindow limits when refreshes may run. Zero value = always.
	RefreshWindow Window
	// MaxL1Entries bounds this namespace's share of the hot tier.
	// Zero falls back to the hot tier's global bound only.
	MaxL1Entries int
}

// DefaultPolicy covers namespaces the operator did not configure.
func DefaultPolicy() Policy {
	return Policy{
		L1TTL:             time.Minute,
		L1Grace:           15 * time.Second,
		RefreshThreshold:  15 * time.Minute,
		BackgroundRefresh: true,
	}
}

// Validate rejects policies that would disable serving or misfire refreshes.
func (p Policy) Validate() error {
	if p.L1TTL < 0 || p.L1Grace < 0 || p.RefreshThreshold < 0 {
		return fmt.Errorf("cache: policy durations must not be negative")
	}
	if p.MaxL1Entries < 0 {
		return fmt.Errorf("cache: maxL1Entries must not be negative")
	}
	return p.RefreshWindow.validate()
}
