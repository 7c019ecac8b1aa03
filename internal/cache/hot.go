package cache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// hotEntry is an L1 resident copy of an L2 record. expiresAt/graceUntil
// govern L1 residency only; cachedAt still reflects the data's own age so
// staleness can be evaluated without an L2 round trip.
type hotEntry struct {
	ns         string
	key        string
	payload    json.RawMessage
	cachedAt   time.Time
	expiresAt  time.Time
	graceUntil time.Time
}

// HotCache is the bounded in-process tier. It is a disposable cache of L2:
// dropping any entry (or the whole map) loses no data. All methods are safe
// for concurrent use; no blocking I/O happens under the lock.
type HotCache struct {
	maxEntries int
	now        func() time.Time

	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used
	nsCounts map[string]int
	nsLimits map[string]int
}

// NewHot builds the hot tier with a global entry bound. now may be nil in
// production; tests inject a clock.
func NewHot(maxEntries int, now func() time.Time) *HotCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if now == nil {
		now = time.Now
	}
	return &HotCache{
		maxEntries: maxEntries,
		now:        now,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		nsCounts:   make(map[string]int),
		nsLimits:   make(map[string]int),
	}
}

func hotKey(ns, key string) string { return ns + "\x00" + key }

// SetNamespaceLimit bounds one namespace's share of the tier. Zero removes
// the per-namespace bound; the global bound always applies.
func (c *HotCache) SetNamespaceLimit(ns string, limit int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 {
		delete(c.nsLimits, ns)
		return
	}
	c.nsLimits[ns] = limit
	c.enforceNamespaceLocked(ns)
}

// Get returns the payload and its data timestamp. Entries past their grace
// window are dropped on access; entries between TTL and grace are still
// served so readers never stall behind an in-flight refresh.
func (c *HotCache) Get(ns, key string) (json.RawMessage, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[hotKey(ns, key)]
	if !ok {
		return nil, time.Time{}, false
	}
	ent := elem.Value.(*hotEntry)
	if c.now().After(ent.graceUntil) {
		c.removeLocked(elem)
		return nil, time.Time{}, false
	}
	c.lru.MoveToFront(elem)
	return append(json.RawMessage(nil), ent.payload...), ent.cachedAt, true
}

// Set installs or replaces an entry and enforces the namespace and global
// bounds, evicting least-recently-used entries as needed.
func (c *HotCache) Set(ns, key string, payload json.RawMessage, cachedAt time.Time, ttl, grace time.Duration) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	now := c.now()
	ent := &hotEntry{
		ns:         ns,
		key:        key,
		payload:    append(json.RawMessage(nil), payload...),
		cachedAt:   cachedAt,
		expiresAt:  now.Add(ttl),
		graceUntil: now.Add(ttl + grace),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[hotKey(ns, key)]; ok {
		elem.Value = ent
		c.lru.MoveToFront(elem)
	} else {
		c.entries[hotKey(ns, key)] = c.lru.PushFront(ent)
		c.nsCounts[ns]++
	}
	c.enforceNamespaceLocked(ns)
	c.enforceGlobalLocked()
}

// Delete drops the entry if present. No effect on L2.
func (c *HotCache) Delete(ns, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[hotKey(ns, key)]; ok {
		c.removeLocked(elem)
	}
}

// Contains reports residency without touching recency order.
func (c *HotCache) Contains(ns, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[hotKey(ns, key)]
	return ok
}

// Len reports the current entry count across all namespaces.
func (c *HotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Cleanup sweeps entries past their grace window and re-enforces size
// bounds. Returns the number of evicted entries.
func (c *HotCache) Cleanup() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if now.After(elem.Value.(*hotEntry).graceUntil) {
			c.removeLocked(elem)
			evicted++
		}
		elem = prev
	}
	for ns := range c.nsLimits {
		evicted += c.enforceNamespaceLocked(ns)
	}
	evicted += c.enforceGlobalLocked()
	return evicted
}

func (c *HotCache) removeLocked(elem *list.Element) {
	ent := elem.Value.(*hotEntry)
	c.lru.Remove(elem)
	delete(c.entries, hotKey(ent.ns, ent.key))
	if c.nsCounts[ent.ns]--; c.nsCounts[ent.ns] <= 0 {
		delete(c.nsCounts, ent.ns)
	}
}

func (c *HotCache) enforceGlobalLocked() int {
	evicted := 0
	for c.lru.Len() > c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
		evicted++
	}
	return evicted
}

func (c *HotCache) enforceNamespaceLocked(ns string) int {
	limit, ok := c.nsLimits[ns]
	if !ok || limit <= 0 {
		return 0
	}
	evicted := 0
	for elem := c.lru.Back(); elem != nil && c.nsCounts[ns] > limit; {
		prev := elem.Prev()
		if elem.Value.(*hotEntry).ns == ns {
			c.removeLocked(elem)
			evicted++
		}
		elem = prev
	}
	return evicted
}
