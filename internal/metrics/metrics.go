// Package metrics publishes Prometheus series for cache activity and keeps
// an internal counter mirror so health snapshots never scan the durable tier.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReadResult identifies which tier satisfied a read.
type ReadResult string

const (
	ReadL1Hit ReadResult = "l1_hit"
	ReadL2Hit ReadResult = "l2_hit"
	ReadMiss  ReadResult = "miss"
)

// ageBucketBounds backs the freshness histogram in health snapshots.
var ageBucketBounds = []time.Duration{
	time.Minute, 5 * time.Minute, time.Hour, 24 * time.Hour,
}

var ageBucketLabels = []string{"lt_1m", "lt_5m", "lt_1h", "lt_24h", "ge_24h"}

type nsCounters struct {
	l1Hits           uint64
	l2Hits           uint64
	misses           uint64
	originCalls      uint64
	originErrors     uint64
	refreshSuccesses uint64
	refreshFailures  uint64
	decodeMisses     uint64
	ageBuckets       [5]uint64
}

// Recorder publishes Prometheus metrics for cache activity. When reg is nil
// a dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	reads         *prometheus.CounterVec
	originErrors  *prometheus.CounterVec
	originLatency *prometheus.HistogramVec
	refreshes     *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	decodeMisses  *prometheus.CounterVec
	entryAge      *prometheus.HistogramVec
	hotEvictions  prometheus.Counter
	promotions    prometheus.Counter

	mu sync.Mutex
	ns map[string]*nsCounters
}

// NewRecorder constructs a Prometheus-backed Recorder.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	reads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cct",
		Subsystem: "cache",
		Name:      "reads_total",
		Help:      "Cache reads by namespace and serving tier.",
	}, []string{"namespace", "result"})

	originErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cct",
		Subsystem: "origin",
		Name:      "errors_total",
		Help:      "Origin call failures by namespace and failure class.",
	}, []string{"namespace", "class"})

	originLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cct",
		Subsystem: "origin",
		Name:      "call_duration_seconds",
		Help:      "Latency distribution for origin calls, retries included.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"namespace"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cct",
		Subsystem: "cache",
		Name:      "background_refreshes_total",
		Help:      "Background refresh completions by namespace and outcome.",
	}, []string{"namespace", "outcome"})

	storeErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cct",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Durable store I/O failures by operation.",
	}, []string{"op"})

	decodeMisses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cct",
		Subsystem: "store",
		Name:      "decode_misses_total",
		Help:      "Stored entries that failed to decode and were served as misses.",
	}, []string{"namespace"})

	entryAge := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cct",
		Subsystem: "cache",
		Name:      "entry_age_seconds",
		Help:      "Age of entries at read time, hits only.",
		Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400, 86400, 604800},
	}, []string{"namespace"})

	hotEvictions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cct",
		Subsystem: "cache",
		Name:      "hot_evictions_total",
		Help:      "Entries evicted from the hot tier by TTL or size bound.",
	})

	promotions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cct",
		Subsystem: "cache",
		Name:      "promotions_total",
		Help:      "Entries warmed into the hot tier by the promotion engine.",
	})

	reg.MustRegister(reads, originErrors, originLatency, refreshes, storeErrors, decodeMisses, entryAge, hotEvictions, promotions)

	return &Recorder{
		gatherer:      reg,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		reads:         reads,
		originErrors:  originErrors,
		originLatency: originLatency,
		refreshes:     refreshes,
		storeErrors:   storeErrors,
		decodeMisses:  decodeMisses,
		entryAge:      entryAge,
		hotEvictions:  hotEvictions,
		promotions:    promotions,
		ns:            make(map[string]*nsCounters),
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

func (r *Recorder) counters(ns string) *nsCounters {
	c, ok := r.ns[ns]
	if !ok {
		c = &nsCounters{}
		r.ns[ns] = c
	}
	return c
}

// ObserveRead records a read outcome; age applies to hits only.
func (r *Recorder) ObserveRead(ns string, result ReadResult, age time.Duration) {
	if r == nil {
		return
	}
	nsLabel := normalizeLabel(ns)
	r.reads.WithLabelValues(nsLabel, string(result)).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counters(nsLabel)
	switch result {
	case ReadL1Hit:
		c.l1Hits++
	case ReadL2Hit:
		c.l2Hits++
	default:
		c.misses++
		return
	}
	r.entryAge.WithLabelValues(nsLabel).Observe(age.Seconds())
	c.ageBuckets[ageBucket(age)]++
}

// ObserveOrigin records one completed origin call, synchronous or
// background. class is empty on success.
func (r *Recorder) ObserveOrigin(ns, class string, duration time.Duration, failed bool) {
	if r == nil {
		return
	}
	nsLabel := normalizeLabel(ns)
	r.originLatency.WithLabelValues(nsLabel).Observe(duration.Seconds())
	if failed {
		r.originErrors.WithLabelValues(nsLabel, normalizeLabel(class)).Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counters(nsLabel)
	c.originCalls++
	if failed {
		c.originErrors++
	}
}

// ObserveRefresh records a background refresh completion.
func (r *Recorder) ObserveRefresh(ns string, succeeded bool) {
	if r == nil {
		return
	}
	nsLabel := normalizeLabel(ns)
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	r.refreshes.WithLabelValues(nsLabel, outcome).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.counters(nsLabel)
	if succeeded {
		c.refreshSuccesses++
	} else {
		c.refreshFailures++
	}
}

// ObserveRefreshDiscarded records a refresh whose result was superseded by
// a newer write before commit. Neither a success nor a failure: the fetch
// worked, the data just lost the race.
func (r *Recorder) ObserveRefreshDiscarded(ns string) {
	if r == nil {
		return
	}
	r.refreshes.WithLabelValues(normalizeLabel(ns), "discarded").Inc()
}

// ObserveStoreError records a durable-tier I/O failure.
func (r *Recorder) ObserveStoreError(op string) {
	if r == nil {
		return
	}
	r.storeErrors.WithLabelValues(normalizeLabel(op)).Inc()
}

// ObserveDecodeMiss records a stored entry that failed to decode.
func (r *Recorder) ObserveDecodeMiss(ns string) {
	if r == nil {
		return
	}
	nsLabel := normalizeLabel(ns)
	r.decodeMisses.WithLabelValues(nsLabel).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters(nsLabel).decodeMisses++
}

// ObserveHotEvictions records hot-tier evictions from a cleanup pass.
func (r *Recorder) ObserveHotEvictions(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.hotEvictions.Add(float64(count))
}

// ObservePromotions records entries warmed by the promotion engine.
func (r *Recorder) ObservePromotions(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.promotions.Add(float64(count))
}

func ageBucket(age time.Duration) int {
	for i, bound := range ageBucketBounds {
		if age < bound {
			return i
		}
	}
	return len(ageBucketBounds)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
