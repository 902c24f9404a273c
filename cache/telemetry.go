package cache

import (
	"hash/fnv"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// marker hashes a key reference for telemetry labels, per spec.md §4.3:
// "no sensitive value material in the marker." Only the key's own hash
// is recorded, never its value.
func marker(key string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}

// metrics bundles the three counters spec.md §4.3 requires (a hit, a
// miss, or a coalesced hit must be recorded for every lookup) plus an
// eviction counter labelled by reason ("lru" or "ttl").
type metrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	coalesced *prometheus.CounterVec
	evictions *prometheus.CounterVec
}

// NewMetrics registers the cache's counters against reg. Pass a fresh
// prometheus.NewRegistry() per cache instance in tests to avoid
// cross-test collector collisions.
func NewMetrics(reg prometheus.Registerer, name string) *metrics {
	m := &metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrsw_cache",
			Name:      "hits_total",
			ConstLabels: prometheus.Labels{"cache": name},
		}, []string{"marker"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrsw_cache",
			Name:      "misses_total",
			ConstLabels: prometheus.Labels{"cache": name},
		}, []string{"marker"}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrsw_cache",
			Name:      "coalesced_hits_total",
			ConstLabels: prometheus.Labels{"cache": name},
		}, []string{"marker"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mrsw_cache",
			Name:      "evictions_total",
			ConstLabels: prometheus.Labels{"cache": name},
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.coalesced, m.evictions)
	}

	return m
}

func (m *metrics) recordHit(key string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(marker(key)).Inc()
}

func (m *metrics) recordMiss(key string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(marker(key)).Inc()
}

func (m *metrics) recordCoalesced(key string) {
	if m == nil {
		return
	}
	m.coalesced.WithLabelValues(marker(key)).Inc()
}

func (m *metrics) recordEviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}
