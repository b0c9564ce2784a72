package buffered

import (
	"context"
	"fmt"

	"github.com/mapfs/mapfs/pkg/extent"
)

// zeroPage zeroes [pos, pos+n) within one page through the normal
// begin/end cycle, so sub-block neighbours are read in first and the
// page ends up dirty.
func (e *Engine) zeroPage(ctx context.Context, ino *Inode, pos int64, n int,
	ext *extent.Extent) (int, error) {

	p, err := e.WriteBegin(ctx, ino, pos, n, ext)
	if err != nil {
		return 0, err
	}
	off := int(pos) & (e.pageSize() - 1)
	clear(p.Data()[off : off+n])

	ret := e.WriteEnd(ctx, ino, pos, n, n, p, ext)
	if ret < n {
		return ret, fmt.Errorf("buffered: zero stalled at %d", pos)
	}
	return ret, nil
}

// ZeroRange writes zeroes into the cache over [pos, pos+length).
// Extents that already read back as zeroes (holes and unwritten
// allocations) are skipped without touching any page. Returns whether
// any page was actually modified, which tells callers such as
// truncate whether a flush is warranted.
func (e *Engine) ZeroRange(ctx context.Context, ino *Inode, pos, length int64,
	m extent.Mapper) (bool, error) {

	e.checkGeometry(ino)
	var didZero bool

	_, err := e.apply(ctx, ino, pos, length, extent.OpZero, m,
		func(ctx context.Context, pos, length int64, ext *extent.Extent) (int64, error) {
			if ext.Type == extent.Hole || ext.Type == extent.Unwritten {
				return length, nil
			}
			var done int64
			for done < length {
				cur := pos + done
				off := int(cur) & (e.pageSize() - 1)
				n := min(e.pageSize()-off, int(length-done))

				ret, err := e.zeroPage(ctx, ino, cur, n, ext)
				if err != nil {
					return done, err
				}
				didZero = true
				done += int64(ret)
			}
			return done, nil
		})
	return didZero, err
}

// TruncatePage zeroes the tail of the page containing pos, from pos to
// the page boundary. A page-aligned pos needs no zeroing at all. Used
// when shrinking a file whose last page stays resident: the bytes past
// the new size must read back as zeroes.
func (e *Engine) TruncatePage(ctx context.Context, ino *Inode, pos int64,
	m extent.Mapper) (bool, error) {

	off := pos & int64(e.pageSize()-1)
	if off == 0 {
		return false, nil
	}
	return e.ZeroRange(ctx, ino, pos, int64(e.pageSize())-off, m)
}

// DirtyRange forces [pos, pos+length) of the cache dirty without
// changing its content, reading pages in first where needed. Used
// before a reflink-style remap invalidates the backing blocks: every
// byte of the range must reach its current mapping first.
func (e *Engine) DirtyRange(ctx context.Context, ino *Inode, pos, length int64,
	m extent.Mapper) error {

	e.checkGeometry(ino)

	_, err := e.apply(ctx, ino, pos, length, extent.OpWrite, m,
		func(ctx context.Context, pos, length int64, ext *extent.Extent) (int64, error) {
			var done int64
			for done < length {
				cur := pos + done
				off := int(cur) & (e.pageSize() - 1)
				n := min(e.pageSize()-off, int(length-done))

				if ino.Ops != nil && ino.Ops.PagePrepare != nil {
					if err := ino.Ops.PagePrepare(ino, cur, n, ext); err != nil {
						return done, err
					}
				}

				p, err := e.cache.LookupOrCreate(ino.ID(), cur/int64(e.pageSize()))
				if err != nil {
					return done, err
				}
				if err := p.Lock(ctx); err != nil {
					p.Unref()
					return done, err
				}
				if !p.Uptodate() {
					if err := e.readPageWait(ctx, ino, p, m); err != nil {
						p.Unref()
						return done, err
					}
				}
				if !p.Uptodate() {
					panic("buffered: page not valid after dirty-range read")
				}

				if ret := e.WriteEnd(ctx, ino, cur, n, n, p, ext); ret < n {
					return done, fmt.Errorf("buffered: dirty-range stalled at %d", cur)
				}
				done += int64(n)
			}
			return done, nil
		})
	return err
}
