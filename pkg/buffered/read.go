package buffered

import (
	"context"
	"fmt"

	"github.com/mapfs/mapfs/internal/logger"
	"github.com/mapfs/mapfs/pkg/blockio"
	"github.com/mapfs/mapfs/pkg/extent"
	"github.com/mapfs/mapfs/pkg/page"
)

// readCtx accumulates the open read I/O unit across the pages of one
// read or readahead pass.
type readCtx struct {
	cur       *page.Page
	curInIO   bool
	readahead bool
	io        *blockio.IO
	dev       blockio.Device

	// readahead page list handoff
	pages []*page.Page
	next  int
}

// adjustReadRange computes the sub-range of the page that actually
// needs to be read: leading and trailing blocks already marked valid
// are trimmed away, and blocks entirely beyond the file size are cut
// off (they are zero-filled, never read).
//
// Returns the possibly advanced position plus the in-page offset and
// length of the range still to read; length zero means nothing to do.
func (e *Engine) adjustReadRange(ino *Inode, p *page.Page, pos, length int64) (newPos int64, poff, plen int) {
	origPos := pos
	isize := ino.Size()
	blockSize := ino.BlockSize()
	poff = int(pos) & (e.pageSize() - 1)
	plen = e.pageSize() - poff
	if int64(plen) > length {
		plen = int(length)
	}
	first := poff >> ino.blockBits
	last := (poff + plen - 1) >> ino.blockBits

	if sub := p.Sub(); sub != nil {
		// Move forward across leading valid blocks.
		i := first
		for ; i <= last; i++ {
			if !sub.BlockUptodate(i) {
				break
			}
			pos += int64(blockSize)
			poff += blockSize
			plen -= blockSize
			first++
		}
		// Truncate at the first trailing valid block.
		for ; i <= last; i++ {
			if sub.BlockUptodate(i) {
				plen -= (last - i + 1) * blockSize
				last = i - 1
				break
			}
		}
	}

	// If the range spans the block containing the file size, cut off
	// the blocks lying entirely beyond it so they can be zeroed in the
	// page cache instead of read.
	if origPos <= isize && origPos+length > isize {
		end := (int(isize-1) & (e.pageSize() - 1)) >> ino.blockBits
		if first <= end && last > end {
			plen -= (last - end) * blockSize
		}
	}

	return pos, poff, plen
}

// needsZeroing reports whether the range at pos must be zero-filled
// rather than read: anything not plainly mapped, freshly allocated
// sectors, and ranges past the file size.
func needsZeroing(ino *Inode, ext *extent.Extent, pos int64) bool {
	return ext.Type != extent.Mapped ||
		ext.Flags&extent.FlagNew != 0 ||
		pos >= ino.Size()
}

// readInline materializes an inline extent into the page: data up to
// the file size, zeroes after it, whole page valid in one step.
func (e *Engine) readInline(ino *Inode, p *page.Page, ext *extent.Extent) {
	if p.Uptodate() {
		return
	}
	if p.Index() != 0 {
		panic("buffered: inline extent beyond the first page")
	}
	size := int(ino.Size())
	if size > len(ext.InlineData) {
		panic(fmt.Sprintf("buffered: inline data shorter than file size (%d < %d)",
			len(ext.InlineData), size))
	}
	data := p.Data()
	copy(data, ext.InlineData[:size])
	clear(data[size:])
	p.MarkRangeUptodate(0, p.Size())
	if p.Sub() == nil {
		p.SetUptodate()
	}
}

// finishReadVec applies one completed read vector: covered range valid
// on success, page errored and not trusted at all on failure.
func finishReadVec(v blockio.Vec, err error) {
	p := v.Page
	if err != nil {
		p.ClearUptodate()
		p.SetError()
	} else {
		p.MarkRangeUptodate(v.Off, v.Len)
	}
	if sub := p.Sub(); sub == nil || sub.DecReads() {
		p.Unlock()
	}
}

// submitRead hands the open unit to its device with a completion that
// walks every vector.
func (e *Engine) submitRead(rctx *readCtx) {
	io := rctx.io
	dev := rctx.dev
	rctx.io = nil
	rctx.dev = nil
	e.metrics.ReadIOSubmitted(len(io.Vecs), io.Length())
	io.Done = func(err error) {
		if err != nil {
			logger.Error("read I/O failed",
				"sector", io.Sector, "length", io.Length(), "error", err)
		}
		for _, v := range io.Vecs {
			finishReadVec(v, err)
		}
	}
	dev.Submit(io)
}

// readPageActor queues device reads for the not-yet-valid sub-range of
// the current page, merging geometrically contiguous ranges into the
// open I/O unit.
func (e *Engine) readPageActor(ctx context.Context, rctx *readCtx, ino *Inode,
	pos, length int64, ext *extent.Extent) (int64, error) {

	p := rctx.cur
	sub := p.EnsureSub(ino.BlockSize())

	if ext.Type == extent.Inline {
		if pos != 0 {
			panic("buffered: inline extent at nonzero position")
		}
		e.readInline(ino, p, ext)
		return int64(e.pageSize()), nil
	}

	origPos := pos
	pos, poff, plen := e.adjustReadRange(ino, p, pos, length)
	if plen == 0 {
		return pos - origPos, nil
	}

	if needsZeroing(ino, ext, pos) {
		clear(p.Data()[poff : poff+plen])
		p.MarkRangeUptodate(poff, plen)
		return pos - origPos + int64(plen), nil
	}

	rctx.curInIO = true

	sector := ext.Sector(pos)
	isContig := rctx.io != nil && rctx.dev == ext.Device && rctx.io.EndSector() == sector

	// A range continuing the unit's last vector joins an
	// already-accounted segment: no new in-flight count.
	if isContig && !rctx.io.Full() && rctx.io.TryExtend(p, poff, plen) {
		return pos - origPos + int64(plen), nil
	}

	// Starting a new segment: bump the in-flight count before any
	// previous unit can be submitted, so completion accounting never
	// races the page to an early unlock.
	if sub != nil {
		sub.IncReads()
	}

	if rctx.io == nil || !isContig || rctx.io.Full() {
		if rctx.io != nil {
			e.submitRead(rctx)
		}
		rctx.io = &blockio.IO{Op: blockio.OpRead, Sector: sector}
		rctx.dev = ext.Device
	}
	rctx.io.AddVec(p, poff, plen)

	// Advance the caller past any leading already-valid range too;
	// trailing ones are handled on the next iteration.
	return pos - origPos + int64(plen), nil
}

// ReadPage reads the missing parts of a single locked page. The page
// lock is released by the engine: immediately when no device I/O was
// needed, otherwise when the last outstanding read unit completes. On
// a mapping error the page is flagged and unlocked before the error is
// returned.
func (e *Engine) ReadPage(ctx context.Context, ino *Inode, p *page.Page, m extent.Mapper) error {
	e.checkGeometry(ino)
	rctx := &readCtx{cur: p}

	_, err := e.apply(ctx, ino, p.Offset(), int64(e.pageSize()),
		extent.OpRead, m, func(ctx context.Context, pos, length int64, ext *extent.Extent) (int64, error) {
			return e.readPageActor(ctx, rctx, ino, pos, length, ext)
		})
	if err != nil {
		p.SetError()
	}

	if rctx.io != nil {
		e.submitRead(rctx)
	} else {
		p.Unlock()
	}
	return err
}

// readPageWait is ReadPage plus a wait for the page I/O to settle: it
// reacquires the page lock (released at completion), checks the error
// flag, and leaves the page locked. Used by the dirty-range path,
// which needs a fully valid page before rewriting it.
func (e *Engine) readPageWait(ctx context.Context, ino *Inode, p *page.Page, m extent.Mapper) error {
	if err := e.ReadPage(ctx, ino, p, m); err != nil {
		return err
	}
	if err := p.Lock(ctx); err != nil {
		return err
	}
	if p.HasError() {
		p.Unlock()
		return ErrPageError
	}
	return nil
}

// nextPage pulls the next page off the readahead list that is not past
// the current mapping window and inserts it into the cache. Pages that
// turn out already cached are skipped, advancing done past them.
func (e *Engine) nextPage(ino *Inode, rctx *readCtx, pos, length int64, done *int64) *page.Page {
	for rctx.next < len(rctx.pages) {
		p := rctx.pages[rctx.next]
		if p.Offset() >= pos+length {
			break
		}
		rctx.next++
		if e.cache.Insert(ino.ID(), p) {
			return p
		}
		*done += int64(e.pageSize())
	}
	return nil
}

// readManyActor walks the mapping window across the readahead pages,
// switching the current page at every page boundary.
func (e *Engine) readManyActor(ctx context.Context, rctx *readCtx, ino *Inode,
	pos, length int64, ext *extent.Extent) (int64, error) {

	var done int64
	for done < length {
		if rctx.cur != nil && int(pos+done)&(e.pageSize()-1) == 0 {
			if !rctx.curInIO {
				rctx.cur.Unlock()
			}
			rctx.cur.Unref()
			rctx.cur = nil
		}
		if rctx.cur == nil {
			rctx.cur = e.nextPage(ino, rctx, pos, length, &done)
			if rctx.cur == nil {
				break
			}
			rctx.curInIO = false
		}
		n, err := e.readPageActor(ctx, rctx, ino, pos+done, length-done, ext)
		if err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// ReadAhead reads an externally supplied, index-contiguous, ascending
// list of pages in as few device I/O units as possible. The pages must
// be fresh (unlocked, not yet in the cache); pages already resident at
// their index are dropped. Accepted pages are unlocked as their reads
// complete; pages needing no I/O are unlocked inline.
func (e *Engine) ReadAhead(ctx context.Context, ino *Inode, pages []*page.Page, m extent.Mapper) error {
	e.checkGeometry(ino)
	if len(pages) == 0 {
		return nil
	}
	for i := 1; i < len(pages); i++ {
		if pages[i].Index() != pages[i-1].Index()+1 {
			panic("buffered: readahead pages must be index-contiguous")
		}
	}
	rctx := &readCtx{readahead: true, pages: pages}

	pos := pages[0].Offset()
	length := pages[len(pages)-1].Offset() + int64(e.pageSize()) - pos

	_, err := e.apply(ctx, ino, pos, length, extent.OpRead, m,
		func(ctx context.Context, pos, length int64, ext *extent.Extent) (int64, error) {
			return e.readManyActor(ctx, rctx, ino, pos, length, ext)
		})

	if rctx.io != nil {
		e.submitRead(rctx)
	}
	if rctx.cur != nil {
		if !rctx.curInIO {
			rctx.cur.Unlock()
		}
		rctx.cur.Unref()
	}
	return err
}

// IsPartiallyUptodate answers, without I/O, whether every block
// touched by [from, from+count) within the page holds valid data.
// Pages without sub-page state cannot answer finer than the page
// flag, and report false (the caller checks the page flag first).
func (e *Engine) IsPartiallyUptodate(p *page.Page, from, count int) bool {
	if p.Sub() == nil {
		return false
	}
	if count > p.Size()-from {
		count = p.Size() - from
	}
	return p.RangeUptodate(from, count)
}
