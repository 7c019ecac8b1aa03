package cache

import (
	"encoding/json"
	"time"
)

// Entry is the durable record for one cached value. Payload is opaque to the
// cache; CachedAt tracks the age of the data itself, not of the storage
// operation, so a refresh that fails leaves it untouched.
type Entry struct {
	Namespace            string          `json:"namespace"`
	Key                  string          `json:"key"`
	Payload              json.RawMessage `json:"payload"`
	CachedAt             time.Time       `json:"cachedAt"`
	LastRefreshAttemptAt time.Time       `json:"lastRefreshAttemptAt,omitzero"`
}

// Age reports how old the entry's data is at the given instant.
func (e Entry) Age(now time.Time) time.Duration {
	if e.CachedAt.IsZero() {
		return 0
	}
	return now.Sub(e.CachedAt)
}

// Stale reports whether the entry's data has outlived the namespace refresh
// threshold. A stale entry is still valid to serve.
func (e Entry) Stale(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	return e.Age(now) > threshold
}

// Source identifies which tier satisfied a read.
type Source string

const (
	SourceL1   Source = "l1"
	SourceL2   Source = "l2"
	SourceMiss Source = "miss"
	// SourceOrigin marks a value fetched synchronously on a total miss.
	SourceOrigin Source = "origin"
)

// Metadata accompanies every read result so callers can reason about
// freshness without consulting the tiers themselves.
type Metadata struct {
	Source Source        `json:"source"`
	Age    time.Duration `json:"age"`
	Stale  bool          `json:"stale"`
}
