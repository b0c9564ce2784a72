package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mapfs/mapfs/pkg/metrics"
)

// cacheMetrics is the Prometheus implementation of
// metrics.CacheMetrics.
type cacheMetrics struct {
	resident    prometheus.Gauge
	created     prometheus.Counter
	removed     prometheus.Counter
	limitHits   prometheus.Counter
	invalidated prometheus.Counter
}

// NewCacheMetrics creates a Prometheus-backed CacheMetrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called);
// callers should then fall back to metrics.NopCacheMetrics.
func NewCacheMetrics() metrics.CacheMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &cacheMetrics{
		resident: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mapfs_pagecache_resident_pages",
			Help: "Pages currently resident in the page cache",
		}),
		created: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_pagecache_pages_created_total",
			Help: "Total pages added to the page cache",
		}),
		removed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_pagecache_pages_removed_total",
			Help: "Total pages removed from the page cache",
		}),
		limitHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_pagecache_limit_hits_total",
			Help: "Total page allocations refused by the page limit",
		}),
		invalidated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_pagecache_pages_invalidated_total",
			Help: "Total clean pages dropped by range invalidation",
		}),
	}
}

func (m *cacheMetrics) PageCreated() {
	m.created.Inc()
	m.resident.Inc()
}

func (m *cacheMetrics) PageRemoved() {
	m.removed.Inc()
	m.resident.Dec()
}

func (m *cacheMetrics) LimitHit() {
	m.limitHits.Inc()
}

func (m *cacheMetrics) Invalidated(n int) {
	m.invalidated.Add(float64(n))
}
