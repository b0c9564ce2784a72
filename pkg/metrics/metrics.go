// Package metrics defines the observability surface of the buffered
// I/O engine and owns the process-wide Prometheus registry.
//
// Metrics are optional. Components accept an EngineMetrics and treat
// the no-op implementation as zero overhead; the Prometheus-backed
// implementation lives in pkg/metrics/prometheus and is only wired
// when InitRegistry has been called.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
	enabled      bool
)

// InitRegistry creates the process-wide metrics registry. Must be
// called before any Prometheus-backed metrics are constructed;
// idempotent.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		enabled = true
	})
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return enabled
}

// GetRegistry returns the process-wide registry, or nil when metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// EngineMetrics observes the I/O behaviour of the buffered engine:
// how much device traffic it generates and how well it batches.
type EngineMetrics interface {
	// ReadIOSubmitted records an asynchronous read unit handed to a
	// device, with its vector count and payload size.
	ReadIOSubmitted(vecs, bytes int)

	// SyncReadIssued records a synchronous pre-read issued on the
	// write path to fill in partially overwritten blocks.
	SyncReadIssued(bytes int)

	// WriteIOSubmitted records a writeback batch handed to a device.
	WriteIOSubmitted(vecs int, bytes int64)

	// PagesWrittenBack records how many pages one writeback pass
	// processed.
	PagesWrittenBack(n int)

	// ShortWrite records a write that had to be retried because the
	// copy step delivered fewer bytes than promised.
	ShortWrite()
}

// CacheMetrics observes the page cache: residency, churn, and the
// backpressure the cache applies when full.
type CacheMetrics interface {
	// PageCreated records a page entering the cache.
	PageCreated()

	// PageRemoved records a page leaving the cache.
	PageRemoved()

	// LimitHit records a page allocation refused by the page limit.
	LimitHit()

	// Invalidated records pages dropped by a range invalidation.
	Invalidated(n int)
}

// NopEngineMetrics discards every observation.
type NopEngineMetrics struct{}

func (NopEngineMetrics) ReadIOSubmitted(vecs, bytes int)        {}
func (NopEngineMetrics) SyncReadIssued(bytes int)               {}
func (NopEngineMetrics) WriteIOSubmitted(vecs int, bytes int64) {}
func (NopEngineMetrics) PagesWrittenBack(n int)                 {}
func (NopEngineMetrics) ShortWrite()                            {}

// NopCacheMetrics discards every observation.
type NopCacheMetrics struct{}

func (NopCacheMetrics) PageCreated()      {}
func (NopCacheMetrics) PageRemoved()      {}
func (NopCacheMetrics) LimitHit()         {}
func (NopCacheMetrics) Invalidated(n int) {}
