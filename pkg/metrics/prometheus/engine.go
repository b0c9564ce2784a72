// Package prometheus provides the Prometheus-backed implementations of
// the metrics interfaces in pkg/metrics.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mapfs/mapfs/pkg/metrics"
)

// engineMetrics is the Prometheus implementation of
// metrics.EngineMetrics.
type engineMetrics struct {
	readIOs       prometheus.Counter
	readVecs      prometheus.Counter
	readBytes     prometheus.Counter
	syncReads     prometheus.Counter
	syncReadBytes prometheus.Counter
	writeIOs      prometheus.Counter
	writeVecs     prometheus.Counter
	writeBytes    prometheus.Counter
	wbPages       prometheus.Histogram
	shortWrites   prometheus.Counter
}

// NewEngineMetrics creates a Prometheus-backed EngineMetrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called);
// callers should then fall back to metrics.NopEngineMetrics.
func NewEngineMetrics() metrics.EngineMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &engineMetrics{
		readIOs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_buffered_read_ios_total",
			Help: "Total asynchronous read I/O units submitted to devices",
		}),
		readVecs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_buffered_read_vectors_total",
			Help: "Total page vectors carried by submitted read I/O units",
		}),
		readBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_buffered_read_bytes_total",
			Help: "Total bytes requested by submitted read I/O units",
		}),
		syncReads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_buffered_sync_reads_total",
			Help: "Total synchronous pre-reads issued by the write path",
		}),
		syncReadBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_buffered_sync_read_bytes_total",
			Help: "Total bytes fetched by write-path pre-reads",
		}),
		writeIOs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_buffered_write_batches_total",
			Help: "Total writeback batches submitted to devices",
		}),
		writeVecs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_buffered_write_vectors_total",
			Help: "Total page vectors carried by submitted writeback batches",
		}),
		writeBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_buffered_write_bytes_total",
			Help: "Total bytes queued by submitted writeback batches",
		}),
		wbPages: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "mapfs_buffered_writeback_pages",
			Help: "Pages processed per writeback pass",
			Buckets: []float64{
				1,    // single-page flush
				4,    // 16KB
				16,   // 64KB
				64,   // 256KB
				256,  // 1MB
				1024, // 4MB
				4096, // 16MB
			},
		}),
		shortWrites: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "mapfs_buffered_short_writes_total",
			Help: "Total writes retried because the copy step came up short",
		}),
	}
}

func (m *engineMetrics) ReadIOSubmitted(vecs, bytes int) {
	m.readIOs.Inc()
	m.readVecs.Add(float64(vecs))
	m.readBytes.Add(float64(bytes))
}

func (m *engineMetrics) SyncReadIssued(bytes int) {
	m.syncReads.Inc()
	m.syncReadBytes.Add(float64(bytes))
}

func (m *engineMetrics) WriteIOSubmitted(vecs int, bytes int64) {
	m.writeIOs.Inc()
	m.writeVecs.Add(float64(vecs))
	m.writeBytes.Add(float64(bytes))
}

func (m *engineMetrics) PagesWrittenBack(n int) {
	m.wbPages.Observe(float64(n))
}

func (m *engineMetrics) ShortWrite() {
	m.shortWrites.Inc()
}
