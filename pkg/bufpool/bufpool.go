// Package bufpool provides a tiered buffer pool for transient I/O
// staging. The sector devices and the CLI workload use it to avoid
// allocating a short-lived slice per sector or per request.
//
// Three size tiers cover the common cases: sector-sized buffers (512
// bytes), page-sized buffers (4KB), and bulk buffers (1MB). Requests
// larger than the bulk tier are allocated directly and never pooled.
//
// All operations are safe for concurrent use via sync.Pool.
package bufpool

import "sync"

// Pool size classes.
const (
	// SectorSize serves per-sector staging in the devices.
	SectorSize = 512

	// PageSize serves page-sized scratch buffers.
	PageSize = 4 << 10

	// BulkSize serves workload payload buffers.
	BulkSize = 1 << 20
)

// Pool manages byte slices organized by size class.
type Pool struct {
	sector sync.Pool
	page   sync.Pool
	bulk   sync.Pool
}

// NewPool creates a pool with the standard size classes.
func NewPool() *Pool {
	p := &Pool{}
	p.sector.New = func() any { b := make([]byte, SectorSize); return &b }
	p.page.New = func() any { b := make([]byte, PageSize); return &b }
	p.bulk.New = func() any { b := make([]byte, BulkSize); return &b }
	return p
}

// Get returns a slice of exactly the requested length, backed by a
// pooled buffer of the next size class up. The caller must hand it
// back with Put; buffers that never return simply fall to the GC.
func (p *Pool) Get(size int) []byte {
	var ptr *[]byte
	switch {
	case size <= SectorSize:
		ptr = p.sector.Get().(*[]byte)
	case size <= PageSize:
		ptr = p.page.Get().(*[]byte)
	case size <= BulkSize:
		ptr = p.bulk.Get().(*[]byte)
	default:
		return make([]byte, size)
	}
	return (*ptr)[:size]
}

// Put returns a buffer obtained from Get to its size class. Oversized
// buffers (direct allocations) are dropped.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	buf = buf[:cap(buf)]
	switch cap(buf) {
	case SectorSize:
		p.sector.Put(&buf)
	case PageSize:
		p.page.Put(&buf)
	case BulkSize:
		p.bulk.Put(&buf)
	}
}

// defaultPool serves the package-level helpers.
var defaultPool = NewPool()

// Get returns a slice from the default pool.
func Get(size int) []byte { return defaultPool.Get(size) }

// Put returns a slice to the default pool.
func Put(buf []byte) { defaultPool.Put(buf) }
