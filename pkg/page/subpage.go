package page

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

// SubPageState tracks per-block validity for a page whose target block
// size is smaller than the page size. One bit per block-sized region is
// set when that region's content is known valid. The read and write
// in-flight counters account for outstanding asynchronous I/O units
// touching the page; the page lock (for reads) and the writeback flag
// (for writes) are only released once the matching counter drains to
// zero.
type SubPageState struct {
	blockBits uint
	nblocks   int

	mu       sync.Mutex
	uptodate []uint64

	reads  atomic.Int32
	writes atomic.Int32
}

const bitsPerWord = 64

// EnsureSub returns the page's sub-page state, attaching one lazily the
// first time it is needed. It returns nil when blockSize equals the
// page size: such pages rely solely on the page-level uptodate flag.
//
// Must be called with the page locked.
func (p *Page) EnsureSub(blockSize int) *SubPageState {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 || blockSize > len(p.data) {
		panic(fmt.Sprintf("page: invalid block size %d for page size %d", blockSize, len(p.data)))
	}
	if blockSize == len(p.data) {
		return nil
	}
	if sub := p.sub.Load(); sub != nil {
		return sub
	}
	nblocks := len(p.data) / blockSize
	sub := &SubPageState{
		blockBits: uint(bits.TrailingZeros(uint(blockSize))),
		nblocks:   nblocks,
		uptodate:  make([]uint64, (nblocks+bitsPerWord-1)/bitsPerWord),
	}
	p.sub.Store(sub)
	return sub
}

// Sub returns the attached sub-page state, or nil.
func (p *Page) Sub() *SubPageState { return p.sub.Load() }

// ReleaseSub detaches and frees the sub-page state. Releasing a page
// with I/O still in flight is a fatal consistency error.
func (p *Page) ReleaseSub() {
	sub := p.sub.Load()
	if sub == nil {
		return
	}
	if n := sub.reads.Load(); n != 0 {
		panic(fmt.Sprintf("page %d: released with %d reads in flight", p.index, n))
	}
	if n := sub.writes.Load(); n != 0 {
		panic(fmt.Sprintf("page %d: released with %d writes in flight", p.index, n))
	}
	p.sub.Store(nil)
}

// BlockSize returns the block size this state tracks.
func (s *SubPageState) BlockSize() int { return 1 << s.blockBits }

// Blocks returns the number of tracked blocks per page.
func (s *SubPageState) Blocks() int { return s.nblocks }

func (s *SubPageState) blockRange(off, n int) (first, last int) {
	return off >> s.blockBits, (off + n - 1) >> s.blockBits
}

func (s *SubPageState) testBit(i int) bool {
	return s.uptodate[i/bitsPerWord]&(1<<(i%bitsPerWord)) != 0
}

// MarkRangeUptodate sets the validity bits for every block touched by
// [off, off+n) within the page and recomputes the page-level uptodate
// flag: the page becomes uptodate exactly when every bit is set and no
// error is recorded.
//
// When the page has no sub-page state the whole page is marked valid
// directly (block size equals page size, so any range is the page).
func (p *Page) MarkRangeUptodate(off, n int) {
	if n <= 0 {
		return
	}
	sub := p.sub.Load()
	if sub == nil {
		if !p.HasError() {
			p.SetUptodate()
		}
		return
	}

	sub.mu.Lock()
	first, last := sub.blockRange(off, n)
	all := true
	for i := 0; i < sub.nblocks; i++ {
		if i >= first && i <= last {
			sub.uptodate[i/bitsPerWord] |= 1 << (i % bitsPerWord)
		} else if !sub.testBit(i) {
			all = false
		}
	}
	sub.mu.Unlock()

	if all && !p.HasError() {
		p.SetUptodate()
	}
}

// RangeUptodate reports whether every block touched by [off, off+n) is
// marked valid. Without sub-page state the page-level flag decides.
func (p *Page) RangeUptodate(off, n int) bool {
	if n <= 0 {
		return true
	}
	sub := p.sub.Load()
	if sub == nil {
		return p.Uptodate()
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	first, last := sub.blockRange(off, n)
	for i := first; i <= last && i < sub.nblocks; i++ {
		if !sub.testBit(i) {
			return false
		}
	}
	return true
}

// ClearRangeUptodate drops validity bits for blocks fully inside
// [off, off+n). Used when a range is invalidated (truncate).
func (p *Page) ClearRangeUptodate(off, n int) {
	if n <= 0 {
		return
	}
	p.ClearUptodate()
	sub := p.sub.Load()
	if sub == nil {
		return
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	first, last := sub.blockRange(off, n)
	for i := first; i <= last && i < sub.nblocks; i++ {
		sub.uptodate[i/bitsPerWord] &^= 1 << (i % bitsPerWord)
	}
}

// BlockUptodate reports whether block i of the page is marked valid.
func (s *SubPageState) BlockUptodate(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testBit(i)
}

// ============================================================================
// In-flight accounting
// ============================================================================

// IncReads records one more outstanding read I/O unit on the page.
func (s *SubPageState) IncReads() { s.reads.Add(1) }

// DecReads retires one read I/O unit and reports whether it was the
// last one. Underflow is a fatal accounting error.
func (s *SubPageState) DecReads() bool {
	n := s.reads.Add(-1)
	if n < 0 {
		panic("page: read in-flight counter underflow")
	}
	return n == 0
}

// IncWrites records one more outstanding write I/O unit on the page.
func (s *SubPageState) IncWrites() { s.writes.Add(1) }

// DecWrites retires one write I/O unit and reports whether it was the
// last one. Underflow is a fatal accounting error.
func (s *SubPageState) DecWrites() bool {
	n := s.writes.Add(-1)
	if n < 0 {
		panic("page: write in-flight counter underflow")
	}
	return n == 0
}

// PendingReads returns the current read in-flight count.
func (s *SubPageState) PendingReads() int32 { return s.reads.Load() }

// PendingWrites returns the current write in-flight count.
func (s *SubPageState) PendingWrites() int32 { return s.writes.Load() }
