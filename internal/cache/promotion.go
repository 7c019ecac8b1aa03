package cache

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// statRetention drops access counters that have gone quiet so the tracking
// map cannot grow with the keyspace.
const statRetention = time.Hour

type accessStat struct {
	ns    string
	key   string
	count uint64
	last  time.Time
}

// Promoter watches L2 access patterns and warms the hottest keys into L1
// ahead of organic demand. Purely an optimization: losing it costs hit
// rate, never correctness.
type Promoter struct {
	m          *Manager
	topN       int
	interval   time.Duration
	maxTracked int

	mu    sync.Mutex
	stats map[string]*accessStat
}

func newPromoter(m *Manager, cfg PromotionConfig) *Promoter {
	topN := cfg.TopN
	if topN <= 0 {
		topN = 32
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Promoter{
		m:          m,
		topN:       topN,
		interval:   interval,
		maxTracked: 4096,
		stats:      make(map[string]*accessStat),
	}
}

// RecordAccess counts one L2 hit. Called on the read path, so it does a
// single map operation under the lock and nothing else.
func (p *Promoter) RecordAccess(ns, key string) {
	marker := ns + "\x00" + key
	now := p.m.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	stat, ok := p.stats[marker]
	if !ok {
		if len(p.stats) >= p.maxTracked {
			return
		}
		stat = &accessStat{ns: ns, key: key}
		p.stats[marker] = stat
	}
	stat.count++
	stat.last = now
}

// PromoteNow selects the top-N most accessed keys not resident in L1 and
// warms them with a direct hot-tier set. Quiet counters are pruned on the
// way through. Returns the number of entries warmed.
func (p *Promoter) PromoteNow(ctx context.Context) int {
	now := p.m.now()

	p.mu.Lock()
	candidates := make([]accessStat, 0, len(p.stats))
	for marker, stat := range p.stats {
		if now.Sub(stat.last) > statRetention {
			delete(p.stats, marker)
			continue
		}
		candidates = append(candidates, *stat)
	}
	p.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		if !candidates[i].last.Equal(candidates[j].last) {
			return candidates[i].last.After(candidates[j].last)
		}
		// Tie-break on identity so repeated passes pick the same winners.
		return strings.Compare(candidates[i].ns+candidates[i].key, candidates[j].ns+candidates[j].key) < 0
	})

	warmed := 0
	for _, cand := range candidates {
		if warmed >= p.topN {
			break
		}
		if p.m.hot.Contains(cand.ns, cand.key) {
			continue
		}
		entry, found, err := p.m.store.Read(ctx, cand.ns, cand.key)
		if err != nil || !found {
			if err != nil {
				p.m.logger.Debug("promotion read skipped",
					slog.String("namespace", cand.ns), slog.String("key", cand.key), slog.Any("error", err))
			}
			continue
		}
		pol := p.m.policy(cand.ns)
		p.m.hot.Set(cand.ns, cand.key, entry.Payload, entry.CachedAt, pol.L1TTL, pol.L1Grace)
		warmed++
	}
	return warmed
}
