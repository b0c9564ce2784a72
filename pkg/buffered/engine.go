// Package buffered implements the buffered I/O engine for extent-mapped
// file systems: it translates read, write, zero and writeback requests
// against a page cache into minimal, correctly ordered device I/O,
// tracking sub-page validity when the cache granularity is coarser than
// the target's block size.
//
// The engine owns no storage and no mapping policy. Extents come from a
// file-system-supplied mapper callback, sectors go to a blockio.Device,
// and pages live in a pagecache.Cache. Completion callbacks run on the
// transport's goroutine; all completion-side state (validity bitmaps,
// in-flight counters, the sticky per-target error) uses atomic or
// locked access, so completions are processed inline rather than
// re-queued.
package buffered

import (
	"errors"

	"github.com/mapfs/mapfs/pkg/metrics"
	"github.com/mapfs/mapfs/pkg/pagecache"
)

var (
	// ErrPageError is returned when a read completed but the page is
	// flagged with an I/O error.
	ErrPageError = errors.New("buffered: page has I/O error")
)

// Engine drives buffered I/O for any number of targets sharing one
// page cache. It is safe for concurrent use; the per-page lock is the
// serialization primitive, so operations on different pages proceed in
// parallel.
type Engine struct {
	cache   *pagecache.Cache
	metrics metrics.EngineMetrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics installs a metrics sink.
func WithMetrics(m metrics.EngineMetrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// New creates an engine over the given page cache.
func New(cache *pagecache.Cache, opts ...Option) *Engine {
	e := &Engine{
		cache:   cache,
		metrics: metrics.NopEngineMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cache returns the page cache the engine runs against.
func (e *Engine) Cache() *pagecache.Cache { return e.cache }

func (e *Engine) pageSize() int { return e.cache.PageSize() }

// checkGeometry validates that the target's block size fits the cache
// granularity. Called on the entry points; a mismatch is a wiring bug.
func (e *Engine) checkGeometry(ino *Inode) {
	if ino.BlockSize() > e.pageSize() {
		panic("buffered: block size exceeds page size")
	}
}
