package buffered

import (
	"context"
	"fmt"

	"github.com/mapfs/mapfs/pkg/extent"
	"github.com/mapfs/mapfs/pkg/page"
)

// WritebackOps is the filesystem side of the writeback path. MapBlocks
// is required; the rest are optional.
type WritebackOps struct {
	// MapBlocks resolves the extent covering offset into wc.Extent.
	// It is consulted once per block slice; implementations are
	// expected to check wc.Extent first and return early while it
	// still covers offset.
	MapBlocks func(ctx context.Context, wc *WritebackContext, ino *Inode, offset int64) error

	// DiscardPage is told about a page whose dirty data is being
	// dropped because no part of it could be mapped. The filesystem
	// uses it to release whatever it reserved for that range.
	DiscardPage func(ino *Inode, p *page.Page, offset int64)

	// SubmitIoend may transform or finalize a batch before device
	// submission, and sees the first error of the pass so far. A
	// non-nil return short-circuits the batch straight to completion
	// with that status, without device I/O.
	SubmitIoend func(ioe *Ioend, prior error) error
}

// WritebackContext carries the state of one writeback pass: the extent
// MapBlocks resolved last, and the batch currently being grown. One
// pass is driven by exactly one goroutine; the context is not shared.
type WritebackContext struct {
	Extent extent.Extent
	ops    *WritebackOps
	ioend  *Ioend
}

// NewWritebackContext prepares a pass over one or more pages using the
// given filesystem callbacks.
func NewWritebackContext(ops *WritebackOps) *WritebackContext {
	if ops == nil || ops.MapBlocks == nil {
		panic("buffered: writeback requires a MapBlocks callback")
	}
	return &WritebackContext{ops: ops}
}

// canAdd reports whether the slice at pos, landing at sector, can grow
// the open batch: same device, same extent type and shared flag, and
// both file- and sector-contiguous.
func (wc *WritebackContext) canAdd(pos, sector int64) bool {
	ioe := wc.ioend
	if (wc.Extent.Flags&extent.FlagShared != 0) != ioe.Shared {
		return false
	}
	if wc.Extent.Type != ioe.Type {
		return false
	}
	if wc.Extent.Device != ioe.dev {
		return false
	}
	if pos != ioe.Offset+ioe.Size {
		return false
	}
	return sector == ioe.endSector()
}

// addToIoend queues the block slice at pos onto the open batch,
// closing it onto the submit list and opening a new one when the slice
// does not fit. The in-flight write count is bumped per new vector,
// before any batch holding this page can be submitted.
func (e *Engine) addToIoend(ino *Inode, wc *WritebackContext, p *page.Page,
	pos int64, submit *[]*Ioend) {

	sector := wc.Extent.Sector(pos)
	if wc.ioend == nil || !wc.canAdd(pos, sector) {
		if wc.ioend != nil {
			*submit = append(*submit, wc.ioend)
		}
		wc.ioend = newIoend(ino, &wc.Extent, pos, sector)
	}

	poff := int(pos) & (e.pageSize() - 1)
	n := ino.BlockSize()
	io := wc.ioend.lastIO()

	if !io.TryExtend(p, poff, n) {
		if io.Full() {
			io = wc.ioend.chainIO(sector)
		}
		if sub := p.Sub(); sub != nil {
			sub.IncWrites()
		}
		io.AddVec(p, poff, n)
	}
	wc.ioend.Size += int64(n)
}

// writePageMap scans the page's blocks up to endPos, mapping and
// queuing each slice that may hold dirty data. Returns how many slices
// were queued and the first mapping error.
func (e *Engine) writePageMap(ctx context.Context, ino *Inode, wc *WritebackContext,
	p *page.Page, endPos int64, submit *[]*Ioend) (int, error) {

	sub := p.EnsureSub(ino.BlockSize())
	if sub != nil && sub.PendingWrites() != 0 {
		panic("buffered: page entered writeback with writes in flight")
	}

	blockSize := int64(ino.BlockSize())
	count := 0
	var err error

	for i, pos := 0, p.Offset(); pos < endPos; i, pos = i+1, pos+blockSize {
		if sub != nil && !sub.BlockUptodate(i) {
			continue
		}
		if err = wc.ops.MapBlocks(ctx, wc, ino, pos); err != nil {
			break
		}
		if wc.Extent.Type == extent.Inline {
			panic(fmt.Sprintf("buffered: inline extent at %d reached writeback", pos))
		}
		if wc.Extent.Type == extent.Hole {
			continue
		}
		e.addToIoend(ino, wc, p, pos, submit)
		count++
	}
	return count, err
}

// writePage runs the writeback state machine for one locked dirty
// page. Terminal states: fully queued (clean, under writeback),
// kept dirty for a retry pass after a partial mapping failure, or
// discarded when nothing could be mapped at all.
func (e *Engine) writePage(ctx context.Context, ino *Inode, wc *WritebackContext,
	p *page.Page, submit *[]*Ioend) error {

	isize := ino.Size()
	endPos := p.Offset() + int64(e.pageSize())
	endIndex := isize / int64(e.pageSize())

	if p.Index() >= endIndex {
		offInto := int(isize & int64(e.pageSize()-1))
		if p.Index() > endIndex || offInto == 0 {
			// The page lies fully beyond the file size: a truncate
			// got there first and will drop it. Nothing to write.
			e.cache.ClearDirty(ino.ID(), p)
			p.Unlock()
			return nil
		}
		// The page straddles the file size. The tail past it must
		// not leak to the device as data, and a later extending
		// write would expose whatever sits there.
		clear(p.Data()[offInto:])
		endPos = isize
	}

	count, err := e.writePageMap(ctx, ino, wc, p, endPos, submit)

	if err != nil && count == 0 {
		// Nothing mapped: the dirty data cannot reach the device.
		// Hand the range to the filesystem for cleanup and drop it.
		if wc.ops.DiscardPage != nil {
			wc.ops.DiscardPage(ino, p, p.Offset())
		}
		p.ClearUptodate()
		e.cache.ClearDirty(ino.ID(), p)
		p.Unlock()
		return err
	}

	if err != nil {
		// Partial mapping failure: the queued slices proceed, the
		// rest stays dirty so a later pass retries it. Dropping it
		// here would lose data silently.
		p.SetWriteback()
	} else {
		e.cache.ClearDirty(ino.ID(), p)
		p.SetWriteback()
	}
	p.Unlock()

	if count == 0 {
		p.EndWriteback()
	}
	return err
}

// submitIoend finalizes one batch: the filesystem hook may transform
// it or veto it, and a vetoed or already-failed batch goes straight to
// completion with that status instead of touching the device.
func (e *Engine) submitIoend(wc *WritebackContext, ioe *Ioend, prior error) error {
	err := prior
	if wc.ops.SubmitIoend != nil {
		err = wc.ops.SubmitIoend(ioe, err)
	}
	if err != nil {
		ioe.Finish(err)
		return err
	}
	vecs := 0
	for _, io := range ioe.ios {
		vecs += len(io.Vecs)
	}
	e.metrics.WriteIOSubmitted(vecs, ioe.Size)
	ioe.submit()
	return nil
}

func (e *Engine) submitList(wc *WritebackContext, submit []*Ioend, prior error) error {
	err := prior
	for _, ioe := range submit {
		if err2 := e.submitIoend(wc, ioe, err); err2 != nil && err == nil {
			err = err2
		}
	}
	return err
}

// WritePage writes back a single page. The caller holds the page lock
// and has verified the page is dirty; the engine releases the lock and
// submits everything the page produced, including the batch left open
// by the scan.
func (e *Engine) WritePage(ctx context.Context, ino *Inode, wc *WritebackContext, p *page.Page) error {
	e.checkGeometry(ino)

	var submit []*Ioend
	err := e.writePage(ctx, ino, wc, p, &submit)
	err = e.submitList(wc, submit, err)

	if wc.ioend != nil {
		ioe := wc.ioend
		wc.ioend = nil
		if err2 := e.submitIoend(wc, ioe, err); err2 != nil && err == nil {
			err = err2
		}
	}
	return err
}

// WritePages sweeps the target's dirty pages in ascending order and
// writes them back through one shared context, so file-contiguous
// pages land in a single batch. Returns the first error of the pass;
// later pages still get their chance before it is reported.
func (e *Engine) WritePages(ctx context.Context, ino *Inode, wc *WritebackContext) error {
	e.checkGeometry(ino)
	ino.ClearDirtyState()

	var firstErr error
	dirty := e.cache.DirtyPages(ino.ID())
	pages := 0
	for _, p := range dirty {
		err := func() error {
			if err := p.Lock(ctx); err != nil {
				return err
			}
			// A previous pass may still be writing this page out.
			// Stable pages: never start a second writeback on top.
			if p.UnderWriteback() {
				p.Unlock()
				if err := p.WaitWriteback(ctx); err != nil {
					return err
				}
				if err := p.Lock(ctx); err != nil {
					return err
				}
			}
			if !p.Dirty() {
				p.Unlock()
				return nil
			}
			pages++
			var submit []*Ioend
			err := e.writePage(ctx, ino, wc, p, &submit)
			return e.submitList(wc, submit, err)
		}()
		p.Unref()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}

	if wc.ioend != nil {
		ioe := wc.ioend
		wc.ioend = nil
		if err := e.submitIoend(wc, ioe, firstErr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.metrics.PagesWrittenBack(pages)
	return firstErr
}

// WaitWriteback blocks until every page of the target in [from, to)
// has left writeback, then reports and clears the target's sticky
// write error. The flush/sync boundary.
func (e *Engine) WaitWriteback(ctx context.Context, ino *Inode, from, to int64) error {
	ps := int64(e.pageSize())
	for idx := from / ps; idx*ps < to; idx++ {
		p := e.cache.Find(ino.ID(), idx)
		if p == nil {
			continue
		}
		err := p.WaitWriteback(ctx)
		p.Unref()
		if err != nil {
			return err
		}
	}
	return ino.SyncErr()
}
