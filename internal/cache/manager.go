// Package cache implements the tiered origin cache: a bounded in-process
// hot tier (L1) over a durable, never-age-expired tier (L2), with deduped
// background refresh guarded by per-origin resilience.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yanggf8/cct-sub007/internal/metrics"
	"github.com/yanggf8/cct-sub007/internal/resilience"
)

// OriginFunc fetches a fresh value for one key from the slow source of
// truth. The cache has no knowledge of what the payload represents.
type OriginFunc func(ctx context.Context, key string) (json.RawMessage, error)

// refreshBudget caps a whole background refresh, retries included, so an
// abandoned origin cannot pin a goroutine forever.
const refreshBudget = 5 * time.Minute

// PromotionConfig tunes the L2-to-L1 warming pass.
type PromotionConfig struct {
	Enabled  bool
	TopN     int
	Interval time.Duration
}

// Options wires a Manager. Store is required; everything else has a
// serviceable default.
type Options struct {
	Store         Store
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	Callers       *resilience.Registry
	DefaultPolicy Policy
	// MaxHotEntries bounds the hot tier globally across namespaces.
	MaxHotEntries   int
	CleanupInterval time.Duration
	Promotion       PromotionConfig
	// Clock overrides time.Now; tests drive staleness with it.
	Clock func() time.Time
}

// Manager orchestrates the tiers. It is an explicitly constructed service
// instance meant to be injected into request handlers, never a package
// singleton, so tests can run several isolated instances.
type Manager struct {
	logger  *slog.Logger
	metrics *metrics.Recorder
	store   Store
	hot     *HotCache
	callers *resilience.Registry
	now     func() time.Time

	defaultPolicy   Policy
	cleanupInterval time.Duration

	policyMu sync.RWMutex
	policies map[string]Policy

	originMu sync.RWMutex
	origins  map[string]OriginFunc

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	sf        singleflight.Group
	refreshWG sync.WaitGroup

	promoter *Promoter
}

// NewManager assembles the tiered cache.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("cache: store required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "cache"))
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	defPolicy := opts.DefaultPolicy
	if defPolicy == (Policy{}) {
		defPolicy = DefaultPolicy()
	}
	if err := defPolicy.Validate(); err != nil {
		return nil, err
	}
	callers := opts.Callers
	if callers == nil {
		callers = resilience.NewRegistry(resilience.DefaultCallerConfig(), logger)
	}
	cleanup := opts.CleanupInterval
	if cleanup <= 0 {
		cleanup = 30 * time.Second
	}

	m := &Manager{
		logger:          logger,
		metrics:         opts.Metrics,
		store:           opts.Store,
		hot:             NewHot(opts.MaxHotEntries, now),
		callers:         callers,
		now:             now,
		defaultPolicy:   defPolicy,
		cleanupInterval: cleanup,
		policies:        make(map[string]Policy),
		origins:         make(map[string]OriginFunc),
		inflight:        make(map[string]struct{}),
	}
	if opts.Promotion.Enabled {
		m.promoter = newPromoter(m, opts.Promotion)
	}
	return m, nil
}

// Configure installs or overrides a namespace policy. Intended for startup
// and operator-driven reloads; entries never carry their own policy.
func (m *Manager) Configure(ns string, policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	m.policyMu.Lock()
	m.policies[ns] = policy
	m.policyMu.Unlock()
	m.hot.SetNamespaceLimit(ns, policy.MaxL1Entries)
	return nil
}

// RegisterOrigin supplies the namespace's fetch function, enabling
// background refresh and origin-less GetOrRefresh calls.
func (m *Manager) RegisterOrigin(ns string, fn OriginFunc) {
	m.originMu.Lock()
	defer m.originMu.Unlock()
	m.origins[ns] = fn
}

func (m *Manager) policy(ns string) Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	if p, ok := m.policies[ns]; ok {
		return p
	}
	return m.defaultPolicy
}

func (m *Manager) origin(ns string) (OriginFunc, bool) {
	m.originMu.RLock()
	defer m.originMu.RUnlock()
	fn, ok := m.origins[ns]
	return fn, ok
}

// Read serves from L1, then L2, always returning whatever value exists
// regardless of staleness. A stale hit schedules a deduped background
// refresh when policy allows; the read itself never blocks on origin I/O.
// Durable-tier read and decode failures degrade to a miss for this call.
func (m *Manager) Read(ctx context.Context, ns, key string) (json.RawMessage, Metadata, bool, error) {
	now := m.now()
	pol := m.policy(ns)

	if payload, cachedAt, ok := m.hot.Get(ns, key); ok {
		age := now.Sub(cachedAt)
		stale := pol.RefreshThreshold > 0 && age > pol.RefreshThreshold
		m.metrics.ObserveRead(ns, metrics.ReadL1Hit, age)
		if stale {
			m.maybeScheduleRefresh(ns, key, cachedAt, pol)
		}
		return payload, Metadata{Source: SourceL1, Age: age, Stale: stale}, true, nil
	}

	entry, found, err := m.store.Read(ctx, ns, key)
	if err != nil {
		if errors.Is(err, ErrDecode) {
			m.metrics.ObserveDecodeMiss(ns)
			m.logger.Warn("stored entry undecodable, treating as miss",
				slog.String("namespace", ns), slog.String("key", key), slog.Any("error", err))
		} else {
			m.metrics.ObserveStoreError("read")
			m.logger.Error("durable read failed, treating as miss",
				slog.String("namespace", ns), slog.String("key", key), slog.Any("error", err))
		}
		found = false
	}
	if found {
		age := entry.Age(now)
		stale := entry.Stale(now, pol.RefreshThreshold)
		m.hot.Set(ns, key, entry.Payload, entry.CachedAt, pol.L1TTL, pol.L1Grace)
		if m.promoter != nil {
			m.promoter.RecordAccess(ns, key)
		}
		m.metrics.ObserveRead(ns, metrics.ReadL2Hit, age)
		if stale {
			m.maybeScheduleRefresh(ns, key, entry.CachedAt, pol)
		}
		return entry.Payload, Metadata{Source: SourceL2, Age: age, Stale: stale}, true, nil
	}

	m.metrics.ObserveRead(ns, metrics.ReadMiss, 0)
	return nil, Metadata{Source: SourceMiss}, false, nil
}

// Write commits write-through: L2 first with CachedAt = now, then L1. It is
// the authoritative path; a racing background refresh that started earlier
// will discard itself against the newer timestamp.
func (m *Manager) Write(ctx context.Context, ns, key string, payload json.RawMessage) error {
	now := m.now()
	entry := Entry{Namespace: ns, Key: key, Payload: payload, CachedAt: now}
	if err := m.store.Write(ctx, ns, key, entry); err != nil {
		m.metrics.ObserveStoreError("write")
		return err
	}
	pol := m.policy(ns)
	m.hot.Set(ns, key, payload, now, pol.L1TTL, pol.L1Grace)
	return nil
}

// Delete removes the key from both tiers. This is the only path that purges
// a durable record.
func (m *Manager) Delete(ctx context.Context, ns, key string) error {
	m.hot.Delete(ns, key)
	if err := m.store.Delete(ctx, ns, key); err != nil {
		m.metrics.ObserveStoreError("delete")
		return err
	}
	return nil
}

// GetOrRefresh reads through the tiers and, on a total miss, fetches
// synchronously from the origin under the resilience stack, committing
// write-through on success. Concurrent misses for the same key collapse to
// a single origin call. origin may be nil when one was registered for the
// namespace. Failures surface as *OriginFailedError.
func (m *Manager) GetOrRefresh(ctx context.Context, ns, key string, origin OriginFunc) (json.RawMessage, Metadata, error) {
	payload, meta, found, err := m.Read(ctx, ns, key)
	if err != nil {
		return nil, meta, err
	}
	if found {
		return payload, meta, nil
	}

	if origin == nil {
		registered, ok := m.origin(ns)
		if !ok {
			return nil, Metadata{Source: SourceMiss}, fmt.Errorf("%w: namespace %s", ErrNoOrigin, ns)
		}
		origin = registered
	}

	v, err, _ := m.sf.Do(ns+"\x00"+key, func() (any, error) {
		return m.fetchAndStore(ctx, ns, key, origin)
	})
	if err != nil {
		return nil, Metadata{Source: SourceMiss}, &OriginFailedError{Namespace: ns, Key: key, Err: err}
	}
	entry := v.(Entry)
	return entry.Payload, Metadata{Source: SourceOrigin, Age: m.now().Sub(entry.CachedAt)}, nil
}

func (m *Manager) fetchAndStore(ctx context.Context, ns, key string, origin OriginFunc) (Entry, error) {
	caller := m.callers.Caller(ns)
	start := time.Now()
	payload, err := caller.Call(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return origin(ctx, key)
	})
	if err != nil {
		m.metrics.ObserveOrigin(ns, string(resilience.Classify(err)), time.Since(start), true)
		return Entry{}, err
	}
	m.metrics.ObserveOrigin(ns, "", time.Since(start), false)

	now := m.now()
	entry := Entry{Namespace: ns, Key: key, Payload: payload, CachedAt: now, LastRefreshAttemptAt: now}
	if werr := m.store.Write(ctx, ns, key, entry); werr != nil {
		m.metrics.ObserveStoreError("write")
		return Entry{}, werr
	}
	pol := m.policy(ns)
	m.hot.Set(ns, key, payload, now, pol.L1TTL, pol.L1Grace)
	return entry, nil
}

// HealthSnapshot combines counter-derived health with breaker states.
func (m *Manager) HealthSnapshot() metrics.HealthSnapshot {
	snap := m.metrics.Health()
	states := m.callers.BreakerStates()
	if len(states) > 0 {
		snap.Breakers = make(map[string]string, len(states))
		for name, state := range states {
			snap.Breakers[name] = state.String()
		}
	}
	return snap
}

// maybeScheduleRefresh fires the deduped background refresh when policy,
// window, origin availability, and the per-key in-flight marker all allow.
// Try-acquire, else skip: readers never wait here.
func (m *Manager) maybeScheduleRefresh(ns, key string, baseCachedAt time.Time, pol Policy) {
	if !pol.BackgroundRefresh || !pol.RefreshWindow.Open(m.now()) {
		return
	}
	origin, ok := m.origin(ns)
	if !ok {
		return
	}

	marker := ns + "\x00" + key
	m.inflightMu.Lock()
	if _, busy := m.inflight[marker]; busy {
		m.inflightMu.Unlock()
		return
	}
	m.inflight[marker] = struct{}{}
	m.inflightMu.Unlock()

	m.refreshWG.Add(1)
	go m.runRefresh(ns, key, marker, baseCachedAt, origin)
}

// runRefresh is the fire-and-forget refresh body. Its failure is logged and
// counted but never reaches the reader that triggered it; the marker is
// released no matter how the attempt ends.
func (m *Manager) runRefresh(ns, key, marker string, baseCachedAt time.Time, origin OriginFunc) {
	defer m.refreshWG.Done()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("background refresh panicked",
				slog.String("namespace", ns), slog.String("key", key), slog.Any("panic", r))
		}
		m.inflightMu.Lock()
		delete(m.inflight, marker)
		m.inflightMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), refreshBudget)
	defer cancel()

	caller := m.callers.Caller(ns)
	start := time.Now()
	payload, err := caller.Call(ctx, func(ctx context.Context) (json.RawMessage, error) {
		return origin(ctx, key)
	})
	if err != nil {
		m.metrics.ObserveOrigin(ns, string(resilience.Classify(err)), time.Since(start), true)
		m.metrics.ObserveRefresh(ns, false)
		m.logger.Warn("background refresh failed, stale entry remains authoritative",
			slog.String("namespace", ns), slog.String("key", key),
			slog.String("class", string(resilience.Classify(err))), slog.Any("error", err))
		m.touchRefreshAttempt(ctx, ns, key)
		return
	}
	m.metrics.ObserveOrigin(ns, "", time.Since(start), false)

	now := m.now()
	if cur, found, rerr := m.store.Read(ctx, ns, key); rerr == nil && found && cur.CachedAt.After(baseCachedAt) {
		// A writer beat us while the fetch was in flight; their data is
		// newer than our base, so the refresh result is discarded.
		m.metrics.ObserveRefreshDiscarded(ns)
		m.logger.Debug("refresh result discarded, newer write already stored",
			slog.String("namespace", ns), slog.String("key", key))
		return
	}

	entry := Entry{Namespace: ns, Key: key, Payload: payload, CachedAt: now, LastRefreshAttemptAt: now}
	if werr := m.store.Write(ctx, ns, key, entry); werr != nil {
		m.metrics.ObserveStoreError("write")
		m.metrics.ObserveRefresh(ns, false)
		m.logger.Warn("background refresh could not commit",
			slog.String("namespace", ns), slog.String("key", key), slog.Any("error", werr))
		return
	}
	pol := m.policy(ns)
	m.hot.Set(ns, key, payload, now, pol.L1TTL, pol.L1Grace)
	m.metrics.ObserveRefresh(ns, true)
}

// touchRefreshAttempt records that a refresh was tried without touching the
// data or its CachedAt. Best effort: a store hiccup here is ignored.
func (m *Manager) touchRefreshAttempt(ctx context.Context, ns, key string) {
	cur, found, err := m.store.Read(ctx, ns, key)
	if err != nil || !found {
		return
	}
	cur.LastRefreshAttemptAt = m.now()
	if err := m.store.Write(ctx, ns, key, cur); err != nil {
		m.logger.Debug("refresh attempt timestamp not recorded",
			slog.String("namespace", ns), slog.String("key", key), slog.Any("error", err))
	}
}

// Run drives the periodic hot-tier cleanup and, when enabled, the
// promotion pass. It blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	cleanup := time.NewTicker(m.cleanupInterval)
	defer cleanup.Stop()

	var promote <-chan time.Time
	if m.promoter != nil {
		ticker := time.NewTicker(m.promoter.interval)
		defer ticker.Stop()
		promote = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			if evicted := m.hot.Cleanup(); evicted > 0 {
				m.metrics.ObserveHotEvictions(evicted)
				m.logger.Debug("hot tier cleanup", slog.Int("evicted", evicted))
			}
		case <-promote:
			if warmed := m.promoter.PromoteNow(ctx); warmed > 0 {
				m.metrics.ObservePromotions(warmed)
			}
		}
	}
}

// Close waits for in-flight refreshes (bounded by ctx) and releases the
// durable store.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.refreshWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown proceeding with refreshes still in flight")
	}
	return m.store.Close(ctx)
}
