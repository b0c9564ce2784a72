// Package page provides the cache page entity used by the buffered I/O
// engine, together with the sub-page validity state that tracks which
// block-sized regions of a page hold known-good data.
//
// A page owns a fixed-size buffer (the cache granularity, typically 4KB)
// and a set of transient flags (uptodate, dirty, writeback, error). The
// page lock is the sole serialization primitive for a page: read, write
// and writeback paths must hold it before touching the validity bitmap
// or the dirty/writeback flags. The lock is implemented on a channel so
// that it can be released from an I/O completion goroutine, which is not
// the goroutine that acquired it.
package page

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultSize is the default page (cache granularity) size in bytes.
const DefaultSize = 4096

// Page flag bits.
const (
	flagUptodate uint32 = 1 << iota
	flagDirty
	flagWriteback
	flagError
)

// Page is a fixed-size cache page.
//
// Pages are created by the page cache and referenced by the engine while
// operations run. The engine never frees a page; it only drops its own
// temporary references.
type Page struct {
	index int64
	data  []byte

	lock  chan struct{}
	flags atomic.Uint32
	refs  atomic.Int32

	// sub is attached lazily, and only when the target's block size is
	// smaller than the page size. Attachment happens under the page
	// lock; completion handlers only ever observe an already-attached
	// state, but the pointer is atomic so that flag queries from other
	// goroutines are race-free.
	sub atomic.Pointer[SubPageState]

	wbMu sync.Mutex
	wbCh chan struct{}
}

// New allocates a page of the given size at the given page index.
func New(index int64, size int) *Page {
	p := &Page{
		index: index,
		data:  make([]byte, size),
		lock:  make(chan struct{}, 1),
	}
	return p
}

// Index returns the page index (file offset divided by page size).
func (p *Page) Index() int64 { return p.index }

// Size returns the page size in bytes.
func (p *Page) Size() int { return len(p.data) }

// Offset returns the byte offset of this page within the file.
func (p *Page) Offset() int64 { return p.index * int64(len(p.data)) }

// Data returns the page buffer. The caller must hold the page lock to
// mutate it, or be a completion handler for an I/O unit that covers the
// returned range.
func (p *Page) Data() []byte { return p.data }

// ============================================================================
// Page lock
// ============================================================================

// Lock acquires the page lock, blocking until it is available or the
// context is cancelled.
func (p *Page) Lock(ctx context.Context) error {
	select {
	case p.lock <- struct{}{}:
		return nil
	default:
	}
	select {
	case p.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the page lock without blocking.
func (p *Page) TryLock() bool {
	select {
	case p.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the page lock. It may be called from a different
// goroutine than the one that acquired the lock (I/O completion).
func (p *Page) Unlock() {
	select {
	case <-p.lock:
	default:
		panic("page: unlock of unlocked page")
	}
}

// Locked reports whether the page lock is currently held. Intended for
// assertions only; the answer may be stale by the time it is observed.
func (p *Page) Locked() bool { return len(p.lock) == 1 }

// ============================================================================
// Flags
// ============================================================================

func (p *Page) setFlag(f uint32) {
	for {
		old := p.flags.Load()
		if p.flags.CompareAndSwap(old, old|f) {
			return
		}
	}
}

func (p *Page) clearFlag(f uint32) {
	for {
		old := p.flags.Load()
		if p.flags.CompareAndSwap(old, old&^f) {
			return
		}
	}
}

// Uptodate reports whether the whole page holds valid data.
func (p *Page) Uptodate() bool { return p.flags.Load()&flagUptodate != 0 }

// SetUptodate marks the whole page valid.
func (p *Page) SetUptodate() { p.setFlag(flagUptodate) }

// ClearUptodate marks the page contents unknown.
func (p *Page) ClearUptodate() { p.clearFlag(flagUptodate) }

// Dirty reports whether the page has unwritten modifications.
func (p *Page) Dirty() bool { return p.flags.Load()&flagDirty != 0 }

// SetDirty marks the page dirty. Callers normally go through the page
// cache's MarkDirty so the page is also tracked for writeback.
func (p *Page) SetDirty() { p.setFlag(flagDirty) }

// ClearDirty removes the dirty mark. Called with the page locked, just
// before the page transitions to writeback.
func (p *Page) ClearDirty() { p.clearFlag(flagDirty) }

// HasError reports whether the last I/O against this page failed.
func (p *Page) HasError() bool { return p.flags.Load()&flagError != 0 }

// SetError records an I/O failure on the page.
func (p *Page) SetError() { p.setFlag(flagError) }

// ClearError clears a previously recorded I/O failure.
func (p *Page) ClearError() { p.clearFlag(flagError) }

// ============================================================================
// Writeback state
// ============================================================================

// UnderWriteback reports whether the page is being written to storage.
func (p *Page) UnderWriteback() bool { return p.flags.Load()&flagWriteback != 0 }

// SetWriteback marks the page as under writeback. Must be called with
// the page locked, before the lock is dropped, so that other writers
// cannot observe a transitional state.
func (p *Page) SetWriteback() {
	p.wbMu.Lock()
	if p.wbCh == nil {
		p.wbCh = make(chan struct{})
	}
	p.wbMu.Unlock()
	p.setFlag(flagWriteback)
}

// EndWriteback clears the writeback state and wakes all waiters.
func (p *Page) EndWriteback() {
	p.clearFlag(flagWriteback)
	p.wbMu.Lock()
	if p.wbCh != nil {
		close(p.wbCh)
		p.wbCh = nil
	}
	p.wbMu.Unlock()
}

// WaitWriteback blocks until the page leaves the writeback state. This
// is the stable-page wait used before modifying a page that may still
// be in flight.
func (p *Page) WaitWriteback(ctx context.Context) error {
	for {
		p.wbMu.Lock()
		ch := p.wbCh
		p.wbMu.Unlock()
		if ch == nil || !p.UnderWriteback() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ============================================================================
// References
// ============================================================================

// Ref takes a reference on the page.
func (p *Page) Ref() { p.refs.Add(1) }

// Unref drops a reference taken with Ref.
func (p *Page) Unref() {
	if p.refs.Add(-1) < 0 {
		panic(fmt.Sprintf("page %d: reference count underflow", p.index))
	}
}

// Refs returns the current reference count.
func (p *Page) Refs() int32 { return p.refs.Load() }
