package buffered

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/mapfs/mapfs/pkg/extent"
	"github.com/mapfs/mapfs/pkg/page"
)

// PageOps are optional per-target hooks supplied by the file system
// around the write path.
type PageOps struct {
	// PagePrepare runs before the destination page is grabbed in
	// WriteBegin. A non-nil error aborts the write before any I/O.
	PagePrepare func(ino *Inode, pos int64, n int, ext *extent.Extent) error

	// PageDone runs after WriteEnd (or after a failed WriteBegin, with
	// copied == 0 and a nil page) with the actual outcome.
	PageDone func(ino *Inode, pos int64, copied int, p *page.Page, ext *extent.Extent)
}

// Inode is the inode-like target the engine operates on: an identity
// for page-cache lookups, the target's block geometry, the externally
// visible size attribute, and the sticky writeback error consumers
// poll at sync boundaries.
type Inode struct {
	id        uint64
	blockBits uint

	size atomic.Int64

	// sizeMu serializes size growth so concurrent WriteEnd calls do
	// not regress the attribute.
	sizeMu sync.Mutex

	errMu sync.Mutex
	werr  error

	// Ops are optional page hooks for the write path.
	Ops *PageOps

	onDirty atomic.Pointer[func(*Inode)]

	dirty atomic.Bool
}

// NewInode creates a target with the given identity and block size.
// The block size must be a power of two between the sector size and
// the page size of the cache the engine runs against.
func NewInode(id uint64, blockSize int) *Inode {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		panic("buffered: block size must be a power of two")
	}
	return &Inode{
		id:        id,
		blockBits: uint(bits.TrailingZeros(uint(blockSize))),
	}
}

// ID returns the target identity used for page-cache lookups.
func (ino *Inode) ID() uint64 { return ino.id }

// BlockSize returns the target's block size in bytes.
func (ino *Inode) BlockSize() int { return 1 << ino.blockBits }

// Size returns the externally visible size attribute.
func (ino *Inode) Size() int64 { return ino.size.Load() }

// SetSize sets the size attribute (truncate, recovery).
func (ino *Inode) SetSize(n int64) { ino.size.Store(n) }

// growSize extends the size attribute to at least n and reports
// whether it grew.
func (ino *Inode) growSize(n int64) bool {
	ino.sizeMu.Lock()
	defer ino.sizeMu.Unlock()
	if n <= ino.size.Load() {
		return false
	}
	ino.size.Store(n)
	return true
}

// SetOnDirty installs fn to run the first time a clean target gains
// unflushed data. Nil uninstalls. Safe to call while writes are in
// flight.
func (ino *Inode) SetOnDirty(fn func(*Inode)) {
	if fn == nil {
		ino.onDirty.Store(nil)
		return
	}
	ino.onDirty.Store(&fn)
}

// markDirty flips the target dirty and fires the dirty hook on the
// clean to dirty transition.
func (ino *Inode) markDirty() {
	if ino.dirty.CompareAndSwap(false, true) {
		if fn := ino.onDirty.Load(); fn != nil {
			(*fn)(ino)
		}
	}
}

// ClearDirtyState resets the dirty notification latch, typically after
// a full writeback pass.
func (ino *Inode) ClearDirtyState() { ino.dirty.Store(false) }

// setWriteErr records a writeback error. First error wins; later ones
// are dropped until the state is cleared.
func (ino *Inode) setWriteErr(err error) {
	if err == nil {
		return
	}
	ino.errMu.Lock()
	if ino.werr == nil {
		ino.werr = err
	}
	ino.errMu.Unlock()
}

// WriteErr returns the sticky writeback error without clearing it.
func (ino *Inode) WriteErr() error {
	ino.errMu.Lock()
	defer ino.errMu.Unlock()
	return ino.werr
}

// SyncErr returns and clears the sticky writeback error. Callers use
// it at flush/sync boundaries.
func (ino *Inode) SyncErr() error {
	ino.errMu.Lock()
	defer ino.errMu.Unlock()
	err := ino.werr
	ino.werr = nil
	return err
}

// blockMask returns the low bits of a position within one block.
func (ino *Inode) blockMask() int64 { return int64(ino.BlockSize() - 1) }
