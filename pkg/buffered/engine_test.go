package buffered

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapfs/mapfs/pkg/blockio"
	"github.com/mapfs/mapfs/pkg/blockio/memdev"
	"github.com/mapfs/mapfs/pkg/extent"
	"github.com/mapfs/mapfs/pkg/page"
	"github.com/mapfs/mapfs/pkg/pagecache"
)

// ============================================================================
// Test fixtures shared by the engine tests
// ============================================================================

func newTestDevice(t *testing.T) *memdev.Device {
	t.Helper()
	d := memdev.New(256)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newTestEngine() (*Engine, *pagecache.Cache) {
	c := pagecache.New(pagecache.Config{PageSize: 4096})
	return New(c), c
}

// linearExtent maps the whole device one-to-one: file byte n lives at
// device byte n.
func linearExtent(dev blockio.Device, typ extent.Type, flags extent.Flags) extent.Extent {
	return extent.Extent{
		Offset: 0,
		Length: dev.Sectors() * blockio.SectorSize,
		Type:   typ,
		Flags:  flags,
		Device: dev,
		Addr:   0,
	}
}

func linearMapper(dev blockio.Device, typ extent.Type, flags extent.Flags) extent.Mapper {
	return func(ctx context.Context, pos, length int64, op extent.MapOp) (extent.Extent, error) {
		return linearExtent(dev, typ, flags), nil
	}
}

func linearWriteback(dev blockio.Device) *WritebackOps {
	return &WritebackOps{
		MapBlocks: func(ctx context.Context, wc *WritebackContext, ino *Inode, offset int64) error {
			if wc.Extent.Device != nil && wc.Extent.Covers(offset) {
				return nil
			}
			wc.Extent = linearExtent(dev, extent.Mapped, 0)
			return nil
		},
	}
}

// settlePage waits for any in-flight read on the page by riding the
// page lock, which read completion releases last.
func settlePage(t *testing.T, p *page.Page) {
	t.Helper()
	require.NoError(t, p.Lock(context.Background()))
	p.Unlock()
}

// newFreshPages allocates count index-contiguous pages starting at
// first, the shape a readahead batch arrives in.
func newFreshPages(size int, first int64, count int) []*page.Page {
	pages := make([]*page.Page, 0, count)
	for i := 0; i < count; i++ {
		pages = append(pages, page.New(first+int64(i), size))
	}
	return pages
}

func patternBytes(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

// ============================================================================
// Engine construction
// ============================================================================

func TestNewInode_BadBlockSizePanics(t *testing.T) {
	assert.Panics(t, func() { NewInode(1, 3000) })
	assert.Panics(t, func() { NewInode(1, 0) })
}

func TestGeometryMismatchPanics(t *testing.T) {
	e, _ := newTestEngine()
	dev := newTestDevice(t)
	ino := NewInode(1, 8192) // coarser than the 4096-byte pages

	assert.Panics(t, func() {
		_, _ = e.Write(context.Background(), ino, 0, []byte("x"),
			linearMapper(dev, extent.Mapped, extent.FlagNew))
	})
}

func TestEngineCache(t *testing.T) {
	e, c := newTestEngine()
	assert.Same(t, c, e.Cache())
}
