package buffered

import (
	"github.com/mapfs/mapfs/pkg/page"
)

// ReleasePage offers to strip the page back to a bare buffer under
// memory pressure: its sub-page state is freed if nothing depends on
// it. Pages that are dirty or under writeback refuse. The caller holds
// the page lock.
func (e *Engine) ReleasePage(ino *Inode, p *page.Page) bool {
	if p.Dirty() || p.UnderWriteback() {
		return false
	}
	p.ReleaseSub()
	return true
}

// InvalidatePage throws away the cached contents of [off, off+n)
// because a truncate or a direct overwrite made them meaningless.
// Only whole-page invalidation actually drops the page; a partial
// range keeps the page and its validity state intact, since the
// remaining bytes are still good. The caller holds the page lock.
func (e *Engine) InvalidatePage(ino *Inode, p *page.Page, off, n int) {
	if off != 0 || n != e.pageSize() {
		return
	}
	if p.UnderWriteback() {
		panic("buffered: invalidating a page under writeback")
	}
	e.cache.ClearDirty(ino.ID(), p)
	p.ClearUptodate()
	e.cache.Remove(ino.ID(), p.Index())
}
