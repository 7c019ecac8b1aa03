package cache

import (
	"testing"
	"time"
)

func TestWindowZeroValueAlwaysOpen(t *testing.T) {
	var w Window
	for hour := 0; hour < 24; hour++ {
		now := time.Date(2025, 6, 1, hour, 30, 0, 0, time.UTC)
		if !w.Open(now) {
			t.Fatalf("zero window must be open at hour %d", hour)
		}
	}
}

func TestWindowPlainBand(t *testing.T) {
	w := Window{StartHour: 9, EndHour: 17}
	cases := []struct {
		hour int
		open bool
	}{
		{8, false},
		{9, true},
		{16, true},
		{17, false},
		{23, false},
	}
	for _, tc := range cases {
		now := time.Date(2025, 6, 1, tc.hour, 0, 0, 0, time.UTC)
		if got := w.Open(now); got != tc.open {
			t.Fatalf("hour %d: expected open=%v, got %v", tc.hour, tc.open, got)
		}
	}
}

func TestWindowWrapsPastMidnight(t *testing.T) {
	w := Window{StartHour: 22, EndHour: 4}
	cases := []struct {
		hour int
		open bool
	}{
		{21, false},
		{22, true},
		{23, true},
		{0, true},
		{3, true},
		{4, false},
		{12, false},
	}
	for _, tc := range cases {
		now := time.Date(2025, 6, 1, tc.hour, 0, 0, 0, time.UTC)
		if got := w.Open(now); got != tc.open {
			t.Fatalf("hour %d: expected open=%v, got %v", tc.hour, tc.open, got)
		}
	}
}

func TestWindowHonorsLocation(t *testing.T) {
	loc := time.FixedZone("plus2", 2*3600)
	w := Window{StartHour: 9, EndHour: 17, Location: loc}

	// 08:00 UTC is 10:00 in the window's zone.
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	if !w.Open(now) {
		t.Fatalf("expected window open in its own location")
	}
	// 16:00 UTC is 18:00 in the window's zone.
	now = time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC)
	if w.Open(now) {
		t.Fatalf("expected window closed in its own location")
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy must validate: %v", err)
	}

	bad := DefaultPolicy()
	bad.L1TTL = -time.Second
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected negative ttl to be rejected")
	}

	bad = DefaultPolicy()
	bad.RefreshWindow = Window{StartHour: 25}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected out-of-range window hour to be rejected")
	}

	bad = DefaultPolicy()
	bad.MaxL1Entries = -1
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected negative entry bound to be rejected")
	}
}

func TestEntryStaleness(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	entry := Entry{CachedAt: now.Add(-20 * time.Minute)}

	if !entry.Stale(now, 15*time.Minute) {
		t.Fatalf("expected entry past threshold to be stale")
	}
	if entry.Stale(now, 30*time.Minute) {
		t.Fatalf("expected entry under threshold to be fresh")
	}
	if entry.Stale(now, 0) {
		t.Fatalf("zero threshold must never mark entries stale")
	}
	if got := entry.Age(now); got != 20*time.Minute {
		t.Fatalf("expected age 20m, got %s", got)
	}
}
