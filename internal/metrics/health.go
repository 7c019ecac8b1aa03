package metrics

import (
	"fmt"
	"sort"
)

// Health statuses in decreasing order of comfort.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// NamespaceHealth summarizes one namespace's counters for operators.
type NamespaceHealth struct {
	L1Hits           uint64            `json:"l1Hits"`
	L2Hits           uint64            `json:"l2Hits"`
	Misses           uint64            `json:"misses"`
	HitRate          float64           `json:"hitRate"`
	OriginCalls      uint64            `json:"originCalls"`
	OriginErrors     uint64            `json:"originErrors"`
	RefreshSuccesses uint64            `json:"refreshSuccesses"`
	RefreshFailures  uint64            `json:"refreshFailures"`
	DecodeMisses     uint64            `json:"decodeMisses"`
	AgeHistogram     map[string]uint64 `json:"ageHistogram"`
}

// HealthSnapshot is the operator-facing health view: a 0-100 score, a
// qualitative status, per-namespace counters, and actionable
// recommendations. Breakers is filled in by the cache manager.
type HealthSnapshot struct {
	Score           int                        `json:"score"`
	Status          string                     `json:"status"`
	Namespaces      map[string]NamespaceHealth `json:"namespaces"`
	Recommendations []string                   `json:"recommendations"`
	Breakers        map[string]string          `json:"breakers,omitempty"`
}

// Health derives the current score from hit rate (weight 0.6) and origin
// error rate (weight 0.4). With no traffic yet the score is a full 100.
func (r *Recorder) Health() HealthSnapshot {
	snap := HealthSnapshot{
		Score:      100,
		Status:     StatusHealthy,
		Namespaces: make(map[string]NamespaceHealth),
	}
	if r == nil {
		return snap
	}

	r.mu.Lock()
	var reads, hits, calls, errs uint64
	for name, c := range r.ns {
		nsReads := c.l1Hits + c.l2Hits + c.misses
		reads += nsReads
		hits += c.l1Hits + c.l2Hits
		calls += c.originCalls
		errs += c.originErrors

		h := NamespaceHealth{
			L1Hits:           c.l1Hits,
			L2Hits:           c.l2Hits,
			Misses:           c.misses,
			OriginCalls:      c.originCalls,
			OriginErrors:     c.originErrors,
			RefreshSuccesses: c.refreshSuccesses,
			RefreshFailures:  c.refreshFailures,
			DecodeMisses:     c.decodeMisses,
			AgeHistogram:     make(map[string]uint64, len(ageBucketLabels)),
		}
		if nsReads > 0 {
			h.HitRate = float64(c.l1Hits+c.l2Hits) / float64(nsReads)
		}
		for i, label := range ageBucketLabels {
			h.AgeHistogram[label] = c.ageBuckets[i]
		}
		snap.Namespaces[name] = h
	}
	r.mu.Unlock()

	hitRate, errorRate := 1.0, 0.0
	if reads > 0 {
		hitRate = float64(hits) / float64(reads)
	}
	if calls > 0 {
		errorRate = float64(errs) / float64(calls)
	}
	snap.Score = int(hitRate*60 + (1-errorRate)*40)
	switch {
	case snap.Score >= 80:
		snap.Status = StatusHealthy
	case snap.Score >= 50:
		snap.Status = StatusDegraded
	default:
		snap.Status = StatusCritical
	}
	snap.Recommendations = recommendations(snap.Namespaces)
	return snap
}

// recommendations turns per-namespace counters into operator guidance.
// Output order is deterministic so health diffs stay readable.
func recommendations(namespaces map[string]NamespaceHealth) []string {
	names := make([]string, 0, len(namespaces))
	for name := range namespaces {
		names = append(names, name)
	}
	sort.Strings(names)

	var recs []string
	for _, name := range names {
		h := namespaces[name]
		reads := h.L1Hits + h.L2Hits + h.Misses
		if reads >= 50 && h.HitRate < 0.5 {
			recs = append(recs, fmt.Sprintf(
				"namespace %s: hit rate %.0f%% below target; consider widening l1Ttl or raising maxL1Entries", name, h.HitRate*100))
		}
		if h.OriginCalls >= 10 && float64(h.OriginErrors)/float64(h.OriginCalls) > 0.25 {
			recs = append(recs, fmt.Sprintf(
				"namespace %s: origin failing %d/%d calls; check provider status and breaker state", name, h.OriginErrors, h.OriginCalls))
		}
		if h.RefreshFailures > 0 && h.RefreshFailures >= h.RefreshSuccesses {
			recs = append(recs, fmt.Sprintf(
				"namespace %s: background refreshes mostly failing; entries are serving increasingly stale data", name))
		}
		if h.DecodeMisses > 0 {
			recs = append(recs, fmt.Sprintf(
				"namespace %s: %d stored entries failed to decode; a writer schema change may need a backfill", name, h.DecodeMisses))
		}
	}
	return recs
}
