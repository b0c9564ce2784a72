package buffered

import (
	"context"
	"fmt"

	"github.com/mapfs/mapfs/pkg/blockio"
	"github.com/mapfs/mapfs/pkg/extent"
	"github.com/mapfs/mapfs/pkg/page"
)

// writeFailed invalidates cache pages that a failed or short write may
// have left beyond the file's current size. They hold no committed
// data and must not linger as enticing-but-invalid entries.
func (e *Engine) writeFailed(ino *Inode, pos int64, n int) {
	size := ino.Size()
	if pos+int64(n) <= size {
		return
	}
	from := pos
	if size > from {
		from = size
	}
	e.cache.Invalidate(ino.ID(), from, pos+int64(n))
}

// readPageSync fills [poff, poff+plen) of the page synchronously from
// the device, or zero-fills it when the extent says there is nothing
// to read. The segments [from, to) inside the window are left alone by
// the zeroing variant: the caller is about to overwrite them.
func (e *Engine) readPageSync(ctx context.Context, ino *Inode, blockStart int64,
	p *page.Page, poff, plen, from, to int, ext *extent.Extent) error {

	if needsZeroing(ino, ext, blockStart) {
		data := p.Data()
		if from > poff {
			clear(data[poff:min(from, poff+plen)])
		}
		if to < poff+plen {
			clear(data[max(to, poff):poff+plen])
		}
		p.MarkRangeUptodate(poff, plen)
		return nil
	}

	io := &blockio.IO{Op: blockio.OpRead, Sector: ext.Sector(blockStart)}
	io.AddVec(p, poff, plen)
	if err := e.submitWait(ctx, ext.Device, io); err != nil {
		return fmt.Errorf("pre-read at %d: %w", blockStart, err)
	}
	p.MarkRangeUptodate(poff, plen)
	return nil
}

func (e *Engine) submitWait(ctx context.Context, dev blockio.Device, io *blockio.IO) error {
	e.metrics.SyncReadIssued(io.Length())
	return dev.SubmitWait(ctx, io)
}

// writeBeginSlow brings every block of the write window into a state
// where the upcoming copy cannot expose stale bytes: blocks the write
// only partially covers are read (or zero-filled) first; fully covered
// blocks are skipped, since the copy will overwrite them entirely.
// With readFull set, every non-valid block is brought in regardless of
// overlap (the dirty-range path needs the whole page valid).
func (e *Engine) writeBeginSlow(ctx context.Context, ino *Inode, pos int64, n int,
	p *page.Page, ext *extent.Extent, readFull bool) error {

	if p.Uptodate() {
		return nil
	}
	p.EnsureSub(ino.BlockSize())

	blockSize := int64(ino.BlockSize())
	blockStart := pos &^ ino.blockMask()
	blockEnd := (pos + int64(n) + blockSize - 1) &^ ino.blockMask()
	from := int(pos) & (e.pageSize() - 1)
	to := from + n

	for blockStart < blockEnd {
		adjPos, poff, plen := e.adjustReadRange(ino, p, blockStart, blockEnd-blockStart)
		if plen == 0 {
			break
		}

		partial := (from > poff && from < poff+plen) ||
			(to > poff && to < poff+plen)
		if readFull || partial {
			if err := e.readPageSync(ctx, ino, adjPos, p, poff, plen, from, to, ext); err != nil {
				return err
			}
		}
		blockStart = adjPos + int64(plen)
	}
	return nil
}

// WriteBegin locks (creating if absent) the destination page for a
// write of n bytes at pos and guarantees that data outside the write
// window is valid, issuing synchronous sub-block reads or zero-fill as
// the mapping dictates. pos+n must lie inside the mapped extent; the
// caller maps before it writes.
//
// On success the locked, referenced page is returned and the caller
// must complete with WriteEnd. On failure the page is released, pages
// newly created beyond EOF are invalidated, and the PageDone hook (if
// any) observes a zero-byte outcome.
func (e *Engine) WriteBegin(ctx context.Context, ino *Inode, pos int64, n int,
	ext *extent.Extent) (*page.Page, error) {
	return e.writeBegin(ctx, ino, pos, n, ext, false)
}

func (e *Engine) writeBegin(ctx context.Context, ino *Inode, pos int64, n int,
	ext *extent.Extent, readFull bool) (*page.Page, error) {

	e.checkGeometry(ino)
	if pos+int64(n) > ext.End() {
		panic(fmt.Sprintf("buffered: write [%d,%d) outside mapped extent [%d,%d)",
			pos, pos+int64(n), ext.Offset, ext.End()))
	}

	// A pending cancellation aborts before any page or I/O work.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ino.Ops != nil && ino.Ops.PagePrepare != nil {
		if err := ino.Ops.PagePrepare(ino, pos, n, ext); err != nil {
			return nil, err
		}
	}

	p, err := e.cache.LookupOrCreate(ino.ID(), pos/int64(e.pageSize()))
	if err != nil {
		e.pageDone(ino, pos, 0, nil, ext)
		return nil, err
	}
	if err := p.Lock(ctx); err != nil {
		p.Unref()
		e.pageDone(ino, pos, 0, nil, ext)
		return nil, err
	}

	if ext.Type == extent.Inline {
		e.readInline(ino, p, ext)
	} else {
		err = e.writeBeginSlow(ctx, ino, pos, n, p, ext, readFull)
	}
	if err != nil {
		p.Unlock()
		p.Unref()
		e.writeFailed(ino, pos, n)
		e.pageDone(ino, pos, 0, nil, ext)
		return nil, err
	}
	return p, nil
}

func (e *Engine) pageDone(ino *Inode, pos int64, copied int, p *page.Page, ext *extent.Extent) {
	if ino.Ops != nil && ino.Ops.PageDone != nil {
		ino.Ops.PageDone(ino, pos, copied, p, ext)
	}
}

// writeEndCommon applies the short-write rule and commits the range.
//
// Blocks that were entirely written are valid now; but a short write
// into a block of a page that was not already fully valid leaves an
// uncovered remainder that a later read-through would expose as
// garbage. Treat that case as a zero-length write and force the caller
// to redo the whole thing.
func (e *Engine) writeEndCommon(ino *Inode, pos int64, n, copied int, p *page.Page) int {
	if copied < n && !p.Uptodate() {
		return 0
	}
	p.MarkRangeUptodate(int(pos)&(e.pageSize()-1), n)
	e.cache.MarkDirty(ino.ID(), p)
	ino.markDirty()
	return copied
}

// writeEndInline copies the page content back into the inline buffer.
func writeEndInline(ino *Inode, p *page.Page, ext *extent.Extent, pos int64, copied int) int {
	if !p.Uptodate() {
		panic("buffered: inline write-end on a page that is not uptodate")
	}
	if pos+int64(copied) > int64(len(ext.InlineData)) {
		panic("buffered: inline write past the inline buffer")
	}
	copy(ext.InlineData[pos:], p.Data()[pos:pos+int64(copied)])
	ino.markDirty()
	return copied
}

// WriteEnd commits the copy step of a write: marks the written range
// valid, dirties the page, grows the size attribute when the write
// extended the file (flagging the extent so its owner persists the new
// size), and releases the page. Returns the number of bytes
// effectively committed; zero demands a caller retry (short write into
// a not-yet-valid page).
func (e *Engine) WriteEnd(ctx context.Context, ino *Inode, pos int64, n, copied int,
	p *page.Page, ext *extent.Extent) int {

	var ret int
	if ext.Type == extent.Inline {
		ret = writeEndInline(ino, p, ext, pos, copied)
	} else {
		ret = e.writeEndCommon(ino, pos, n, copied, p)
	}

	// The size attribute grows only after the data is in the cache, so
	// no reader observes a size without the bytes behind it.
	if ret > 0 && ino.growSize(pos+int64(ret)) {
		ext.Flags |= extent.FlagSizeChanged
	}
	p.Unlock()

	e.pageDone(ino, pos, ret, p, ext)
	p.Unref()

	if ret < n {
		e.writeFailed(ino, pos, n)
		e.metrics.ShortWrite()
	}
	return ret
}

// Write copies data into the cache at pos, mapping extents as needed
// and driving WriteBegin/WriteEnd per page. Returns the number of
// bytes written.
func (e *Engine) Write(ctx context.Context, ino *Inode, pos int64, data []byte, m extent.Mapper) (int64, error) {
	origin := pos
	return e.apply(ctx, ino, pos, int64(len(data)), extent.OpWrite, m,
		func(ctx context.Context, pos, length int64, ext *extent.Extent) (int64, error) {
			var written int64
			for written < length {
				cur := pos + written
				off := int(cur) & (e.pageSize() - 1)
				n := min(e.pageSize()-off, int(length-written))

				p, err := e.writeBegin(ctx, ino, cur, n, ext, false)
				if err != nil {
					if written > 0 {
						return written, nil
					}
					return 0, err
				}

				src := data[cur-origin:]
				copied := copy(p.Data()[off:off+n], src[:n])
				ret := e.WriteEnd(ctx, ino, cur, n, copied, p, ext)
				if ret == 0 {
					return written, fmt.Errorf("buffered: write stalled at %d", cur)
				}
				written += int64(ret)
			}
			return written, nil
		})
}
