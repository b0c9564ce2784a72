package buffered

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapfs/mapfs/pkg/extent"
)

func TestReadPage_FromDevice(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	want := patternBytes(4096, 1)
	dev.WriteSectors(0, want)

	ino := NewInode(1, 512)
	ino.SetSize(4096)

	p, err := c.LookupOrCreate(ino.ID(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Lock(ctx))

	require.NoError(t, e.ReadPage(ctx, ino, p, linearMapper(dev, extent.Mapped, 0)))
	settlePage(t, p)

	assert.True(t, p.Uptodate())
	assert.Equal(t, want, p.Data())
	p.Unref()
}

func TestReadPage_TailBeyondSizeIsZeroFilled(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	// The mapping covers the whole page, but the file ends at byte
	// 100. Only the block containing the size may be read; everything
	// after it is zero-filled in the cache. Arming the tail sectors to
	// fail proves no device I/O reaches them.
	dev.WriteSectors(0, patternBytes(512, 9))
	dev.FailSectors(1, 255, errors.New("tail sector touched"))

	ino := NewInode(1, 512)
	ino.SetSize(100)

	p, err := c.LookupOrCreate(ino.ID(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Lock(ctx))

	require.NoError(t, e.ReadPage(ctx, ino, p, linearMapper(dev, extent.Mapped, 0)))
	settlePage(t, p)

	require.True(t, p.Uptodate())
	require.False(t, p.HasError())
	assert.Equal(t, patternBytes(512, 9), p.Data()[:512])
	assert.Equal(t, make([]byte, 4096-512), p.Data()[512:])
	p.Unref()
}

func TestReadPage_HoleReadsZeroes(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	// Nothing allocated: the page is satisfied without any device I/O.
	dev.FailSectors(0, 256, errors.New("device touched"))

	ino := NewInode(1, 512)
	ino.SetSize(4096)

	p, err := c.LookupOrCreate(ino.ID(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Lock(ctx))

	hole := func(ctx context.Context, pos, length int64, op extent.MapOp) (extent.Extent, error) {
		return extent.Extent{Offset: 0, Length: 1 << 30, Type: extent.Hole, Addr: extent.AddrNull}, nil
	}
	require.NoError(t, e.ReadPage(ctx, ino, p, hole))
	settlePage(t, p)

	assert.True(t, p.Uptodate())
	assert.Equal(t, make([]byte, 4096), p.Data())
	p.Unref()
}

func TestReadPage_SkipsValidBlocks(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	dev.WriteSectors(0, patternBytes(4096, 20))

	ino := NewInode(1, 512)
	ino.SetSize(8192)

	p, err := c.LookupOrCreate(ino.ID(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Lock(ctx))

	// Blocks 0..3 already hold cached data; the read must leave them
	// alone and only fetch blocks 4..7.
	p.EnsureSub(512)
	cached := patternBytes(2048, 77)
	copy(p.Data(), cached)
	p.MarkRangeUptodate(0, 2048)

	require.NoError(t, e.ReadPage(ctx, ino, p, linearMapper(dev, extent.Mapped, 0)))
	settlePage(t, p)

	require.True(t, p.Uptodate())
	assert.Equal(t, cached, p.Data()[:2048], "valid blocks must not be re-read")
	assert.Equal(t, patternBytes(4096, 20)[2048:], p.Data()[2048:])
	p.Unref()
}

func TestReadPage_MapperError(t *testing.T) {
	e, c := newTestEngine()
	ctx := context.Background()

	ino := NewInode(1, 512)
	ino.SetSize(4096)

	p, err := c.LookupOrCreate(ino.ID(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Lock(ctx))

	boom := errors.New("mapping lookup failed")
	bad := func(ctx context.Context, pos, length int64, op extent.MapOp) (extent.Extent, error) {
		return extent.Extent{}, boom
	}
	err = e.ReadPage(ctx, ino, p, bad)
	require.ErrorIs(t, err, boom)
	assert.True(t, p.HasError())
	assert.False(t, p.Locked(), "page must be unlocked on the error path")
	p.Unref()
}

func TestReadPage_DeviceError(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	boom := errors.New("media error")
	dev.FailSectors(0, 256, boom)

	ino := NewInode(1, 512)
	ino.SetSize(4096)

	p, err := c.LookupOrCreate(ino.ID(), 0)
	require.NoError(t, err)
	require.NoError(t, p.Lock(ctx))

	require.NoError(t, e.ReadPage(ctx, ino, p, linearMapper(dev, extent.Mapped, 0)))
	settlePage(t, p)

	assert.True(t, p.HasError())
	assert.False(t, p.Uptodate())
	p.Unref()
}

func TestReadAhead(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	want := patternBytes(3*4096, 5)
	dev.WriteSectors(0, want)

	ino := NewInode(1, 512)
	ino.SetSize(3 * 4096)

	batch := newFreshPages(c.PageSize(), 0, 3)
	require.NoError(t, e.ReadAhead(ctx, ino, batch, linearMapper(dev, extent.Mapped, 0)))

	for idx := int64(0); idx < 3; idx++ {
		p := c.Find(ino.ID(), idx)
		require.NotNil(t, p, "page %d should be cached", idx)
		settlePage(t, p)
		assert.True(t, p.Uptodate(), "page %d", idx)
		off := idx * 4096
		assert.Equal(t, want[off:off+4096], p.Data(), "page %d", idx)
		p.Unref()
	}
}

func TestReadAhead_SkipsResidentPages(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	dev.WriteSectors(0, patternBytes(2*4096, 40))

	ino := NewInode(1, 512)
	ino.SetSize(2 * 4096)

	// Page 0 is already resident; the readahead batch's duplicate for
	// it must be dropped, and page 1 still read.
	resident, err := c.LookupOrCreate(ino.ID(), 0)
	require.NoError(t, err)
	resident.SetUptodate()

	batch := newFreshPages(c.PageSize(), 0, 2)
	require.NoError(t, e.ReadAhead(ctx, ino, batch, linearMapper(dev, extent.Mapped, 0)))

	again := c.Find(ino.ID(), 0)
	require.NotNil(t, again)
	assert.Same(t, resident, again)
	again.Unref()
	resident.Unref()

	p1 := c.Find(ino.ID(), 1)
	require.NotNil(t, p1)
	settlePage(t, p1)
	assert.True(t, p1.Uptodate())
	p1.Unref()
}

func TestReadAhead_NonContiguousPanics(t *testing.T) {
	e, _ := newTestEngine()
	dev := newTestDevice(t)
	ino := NewInode(1, 512)

	batch := newFreshPages(4096, 0, 1)
	batch = append(batch, newFreshPages(4096, 2, 1)...)
	assert.Panics(t, func() {
		_ = e.ReadAhead(context.Background(), ino, batch, linearMapper(dev, extent.Mapped, 0))
	})
}

func TestIsPartiallyUptodate(t *testing.T) {
	e, c := newTestEngine()

	p, err := c.LookupOrCreate(1, 0)
	require.NoError(t, err)

	assert.False(t, e.IsPartiallyUptodate(p, 0, 512), "no sub-page state answers false")

	p.EnsureSub(512)
	p.MarkRangeUptodate(0, 1024)
	assert.True(t, e.IsPartiallyUptodate(p, 0, 1024))
	assert.True(t, e.IsPartiallyUptodate(p, 512, 512))
	assert.False(t, e.IsPartiallyUptodate(p, 512, 1024))
	p.Unref()
}
