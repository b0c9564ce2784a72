// Package pagecache implements the page-cache container the buffered
// I/O engine runs against: per-target maps of fixed-size pages with
// lookup-or-create, dirty tracking in page-index order, and
// invalidation.
//
// The cache stores pages; it does not decide when they are read or
// written. All I/O policy lives in the engine.
package pagecache

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mapfs/mapfs/pkg/metrics"
	"github.com/mapfs/mapfs/pkg/page"
)

var (
	// ErrCacheFull is returned when creating a page would exceed the
	// configured page limit. This is backpressure, not corruption; the
	// caller should flush and retry.
	ErrCacheFull = errors.New("pagecache: page limit reached")
)

// Cache is an in-memory page cache keyed by target ID and page index.
// Safe for concurrent use; operations on different targets do not
// block each other.
type Cache struct {
	pageSize int
	maxPages int64
	metrics  metrics.CacheMetrics

	mu      sync.RWMutex
	targets map[uint64]*target

	pages atomic.Int64
}

type target struct {
	mu    sync.RWMutex
	pages map[int64]*page.Page
	dirty map[int64]struct{}
}

// Config controls cache geometry.
type Config struct {
	// PageSize is the cache granularity in bytes. Defaults to
	// page.DefaultSize.
	PageSize int

	// MaxPages limits the total number of resident pages across all
	// targets. Zero means unlimited.
	MaxPages int64

	// Metrics is the observation sink. Nil means no observation.
	Metrics metrics.CacheMetrics
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	size := cfg.PageSize
	if size == 0 {
		size = page.DefaultSize
	}
	if size <= 0 || size&(size-1) != 0 {
		panic("pagecache: page size must be a power of two")
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NopCacheMetrics{}
	}
	return &Cache{
		pageSize: size,
		maxPages: cfg.MaxPages,
		metrics:  m,
		targets:  make(map[uint64]*target),
	}
}

// PageSize returns the cache granularity in bytes.
func (c *Cache) PageSize() int { return c.pageSize }

// Len returns the number of resident pages.
func (c *Cache) Len() int64 { return c.pages.Load() }

func (c *Cache) getTarget(id uint64) *target {
	c.mu.RLock()
	t := c.targets[id]
	c.mu.RUnlock()
	if t != nil {
		return t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t = c.targets[id]; t == nil {
		t = &target{
			pages: make(map[int64]*page.Page),
			dirty: make(map[int64]struct{}),
		}
		c.targets[id] = t
	}
	return t
}

// LookupOrCreate returns the page at index for the target, creating it
// if absent. The returned page carries a reference the caller must drop
// with Unref. Returns ErrCacheFull when a new page would exceed the
// page limit.
func (c *Cache) LookupOrCreate(targetID uint64, index int64) (*page.Page, error) {
	t := c.getTarget(targetID)

	t.mu.RLock()
	p := t.pages[index]
	t.mu.RUnlock()
	if p != nil {
		p.Ref()
		return p, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p = t.pages[index]; p == nil {
		if c.maxPages > 0 && c.pages.Load() >= c.maxPages {
			c.metrics.LimitHit()
			return nil, ErrCacheFull
		}
		p = page.New(index, c.pageSize)
		t.pages[index] = p
		c.pages.Add(1)
		c.metrics.PageCreated()
	}
	p.Ref()
	return p, nil
}

// Find returns the page at index if resident, with a reference, or nil.
func (c *Cache) Find(targetID uint64, index int64) *page.Page {
	t := c.getTarget(targetID)
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p := t.pages[index]; p != nil {
		p.Ref()
		return p
	}
	return nil
}

// Insert adds an externally allocated page (readahead) unless a page is
// already resident at its index. On success the page is locked, gets a
// reference for the caller, and true is returned; otherwise the page is
// dropped and false is returned.
func (c *Cache) Insert(targetID uint64, p *page.Page) bool {
	if p.Size() != c.pageSize {
		panic("pagecache: page size mismatch")
	}
	t := c.getTarget(targetID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pages[p.Index()]; ok {
		return false
	}
	if c.maxPages > 0 && c.pages.Load() >= c.maxPages {
		c.metrics.LimitHit()
		return false
	}
	if !p.TryLock() {
		panic("pagecache: inserting a locked page")
	}
	t.pages[p.Index()] = p
	c.pages.Add(1)
	c.metrics.PageCreated()
	p.Ref()
	return true
}

// ============================================================================
// Dirty tracking
// ============================================================================

// MarkDirty flags the page dirty and records it for writeback sweeps.
func (c *Cache) MarkDirty(targetID uint64, p *page.Page) {
	p.SetDirty()
	t := c.getTarget(targetID)
	t.mu.Lock()
	t.dirty[p.Index()] = struct{}{}
	t.mu.Unlock()
}

// ClearDirty removes the page from the dirty set and clears its dirty
// flag. Called with the page locked, as it transitions to writeback.
func (c *Cache) ClearDirty(targetID uint64, p *page.Page) {
	p.ClearDirty()
	t := c.getTarget(targetID)
	t.mu.Lock()
	delete(t.dirty, p.Index())
	t.mu.Unlock()
}

// HasDirty reports whether the target has pages awaiting writeback.
func (c *Cache) HasDirty(targetID uint64) bool {
	t := c.getTarget(targetID)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.dirty) > 0
}

// DirtyPages returns the target's dirty pages in ascending index order,
// each with a reference for the caller.
func (c *Cache) DirtyPages(targetID uint64) []*page.Page {
	t := c.getTarget(targetID)
	t.mu.RLock()
	indexes := make([]int64, 0, len(t.dirty))
	for idx := range t.dirty {
		indexes = append(indexes, idx)
	}
	t.mu.RUnlock()

	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	pages := make([]*page.Page, 0, len(indexes))
	t.mu.RLock()
	for _, idx := range indexes {
		if p := t.pages[idx]; p != nil {
			p.Ref()
			pages = append(pages, p)
		}
	}
	t.mu.RUnlock()
	return pages
}

// ============================================================================
// Removal
// ============================================================================

// Remove drops the page at index from the cache. The caller must hold
// the page lock and have settled all in-flight I/O; the page's
// sub-page state is released here, which is fatal if counters are
// still nonzero. Idempotent for absent pages.
func (c *Cache) Remove(targetID uint64, index int64) {
	t := c.getTarget(targetID)
	t.mu.Lock()
	p, ok := t.pages[index]
	if ok {
		delete(t.pages, index)
		delete(t.dirty, index)
		c.pages.Add(-1)
	}
	t.mu.Unlock()
	if ok {
		p.ReleaseSub()
		c.metrics.PageRemoved()
	}
}

// Invalidate removes clean, unreferenced pages whose byte ranges fall
// entirely inside [from, to). Pages that are locked, dirty, under
// writeback, or still referenced stay resident. Returns the number of
// pages dropped.
func (c *Cache) Invalidate(targetID uint64, from, to int64) int {
	t := c.getTarget(targetID)

	t.mu.RLock()
	var victims []*page.Page
	for _, p := range t.pages {
		off := p.Offset()
		if off >= from && off+int64(p.Size()) <= to {
			victims = append(victims, p)
		}
	}
	t.mu.RUnlock()

	dropped := 0
	for _, p := range victims {
		if !p.TryLock() {
			continue
		}
		if p.Dirty() || p.UnderWriteback() || p.Refs() > 0 {
			p.Unlock()
			continue
		}
		p.ClearUptodate()
		c.Remove(targetID, p.Index())
		p.Unlock()
		dropped++
	}
	if dropped > 0 {
		c.metrics.Invalidated(dropped)
	}
	return dropped
}

// DropTarget removes every page of a target (file deletion). Pages with
// in-flight I/O trip the release assertion, as they must: dropping a
// target mid-I/O is a caller bug.
func (c *Cache) DropTarget(targetID uint64) {
	c.mu.Lock()
	t := c.targets[targetID]
	delete(c.targets, targetID)
	c.mu.Unlock()
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pages {
		p.ReleaseSub()
		c.pages.Add(-1)
		c.metrics.PageRemoved()
	}
}
