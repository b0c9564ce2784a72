package buffered

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapfs/mapfs/pkg/extent"
)

func TestZeroRange_Mapped(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	ino := NewInode(1, 512)
	_, err := e.Write(ctx, ino, 0, patternBytes(2048, 60), linearMapper(dev, extent.Mapped, extent.FlagNew))
	require.NoError(t, err)

	didZero, err := e.ZeroRange(ctx, ino, 256, 1024, linearMapper(dev, extent.Mapped, 0))
	require.NoError(t, err)
	assert.True(t, didZero)
	assert.Equal(t, int64(2048), ino.Size(), "zeroing inside the file must not grow it")

	p := c.Find(ino.ID(), 0)
	require.NotNil(t, p)
	assert.True(t, p.Dirty())
	assert.Equal(t, patternBytes(2048, 60)[:256], p.Data()[:256])
	assert.Equal(t, make([]byte, 1024), p.Data()[256:1280])
	assert.Equal(t, patternBytes(2048, 60)[1280:], p.Data()[1280:2048])
	p.Unref()
}

func TestZeroRange_Idempotent(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	ino := NewInode(1, 512)
	_, err := e.Write(ctx, ino, 0, patternBytes(2048, 61), linearMapper(dev, extent.Mapped, extent.FlagNew))
	require.NoError(t, err)

	m := linearMapper(dev, extent.Mapped, 0)
	_, err = e.ZeroRange(ctx, ino, 256, 1024, m)
	require.NoError(t, err)

	p := c.Find(ino.ID(), 0)
	require.NotNil(t, p)
	snapshot := append([]byte(nil), p.Data()...)
	p.Unref()

	// Zeroing the same range again changes nothing.
	_, err = e.ZeroRange(ctx, ino, 256, 1024, m)
	require.NoError(t, err)

	p = c.Find(ino.ID(), 0)
	require.NotNil(t, p)
	assert.Equal(t, snapshot, p.Data())
	assert.Equal(t, int64(2048), ino.Size())
	p.Unref()
}

func TestZeroRange_SkipsHolesAndUnwritten(t *testing.T) {
	e, c := newTestEngine()
	ctx := context.Background()

	ino := NewInode(1, 512)
	ino.SetSize(64 * 1024)

	for _, typ := range []extent.Type{extent.Hole, extent.Unwritten} {
		m := func(ctx context.Context, pos, length int64, op extent.MapOp) (extent.Extent, error) {
			return extent.Extent{Offset: 0, Length: 1 << 30, Type: typ, Addr: extent.AddrNull}, nil
		}
		didZero, err := e.ZeroRange(ctx, ino, 1000, 10000, m)
		require.NoError(t, err)
		assert.False(t, didZero, "%s extents already read as zeroes", typ)
	}
	assert.Equal(t, int64(0), c.Len(), "no page may be instantiated for a skipped range")
}

func TestTruncatePage(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	ino := NewInode(1, 512)
	_, err := e.Write(ctx, ino, 0, patternBytes(4096, 70), linearMapper(dev, extent.Mapped, extent.FlagNew))
	require.NoError(t, err)

	didZero, err := e.TruncatePage(ctx, ino, 1000, linearMapper(dev, extent.Mapped, 0))
	require.NoError(t, err)
	assert.True(t, didZero)

	p := c.Find(ino.ID(), 0)
	require.NotNil(t, p)
	assert.Equal(t, patternBytes(4096, 70)[:1000], p.Data()[:1000])
	assert.Equal(t, make([]byte, 4096-1000), p.Data()[1000:])
	p.Unref()
}

func TestTruncatePage_AlignedIsNoop(t *testing.T) {
	e, _ := newTestEngine()
	dev := newTestDevice(t)

	ino := NewInode(1, 512)
	didZero, err := e.TruncatePage(context.Background(), ino, 8192, linearMapper(dev, extent.Mapped, 0))
	require.NoError(t, err)
	assert.False(t, didZero)
}

func TestDirtyRange_ReadsThenDirties(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	// The range lives only on the device; dirtying it must pull it
	// into the cache unchanged and mark it for writeback.
	content := patternBytes(2*4096, 81)
	dev.WriteSectors(0, content)

	ino := NewInode(1, 512)
	ino.SetSize(2 * 4096)

	m := linearMapper(dev, extent.Mapped, 0)
	require.NoError(t, e.DirtyRange(ctx, ino, 0, 2*4096, m))

	for idx := int64(0); idx < 2; idx++ {
		p := c.Find(ino.ID(), idx)
		require.NotNil(t, p, "page %d", idx)
		assert.True(t, p.Dirty(), "page %d", idx)
		assert.True(t, p.Uptodate(), "page %d", idx)
		off := idx * 4096
		assert.Equal(t, content[off:off+4096], p.Data(), "content must survive dirtying")
		p.Unref()
	}
	assert.Equal(t, int64(2*4096), ino.Size())
}

func TestDirtyRange_CachedPageNeedsNoRead(t *testing.T) {
	e, c := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	ino := NewInode(1, 512)
	_, err := e.Write(ctx, ino, 0, patternBytes(4096, 82), linearMapper(dev, extent.Mapped, extent.FlagNew))
	require.NoError(t, err)
	p := c.Find(ino.ID(), 0)
	require.NotNil(t, p)
	require.True(t, p.Uptodate())
	p.Unref()

	dev.FailSectors(0, 256, errors.New("read of an already valid page"))
	require.NoError(t, e.DirtyRange(ctx, ino, 0, 4096, linearMapper(dev, extent.Mapped, 0)))
}

func TestDirtyRange_ReadFailure(t *testing.T) {
	e, _ := newTestEngine()
	dev := newTestDevice(t)
	ctx := context.Background()

	boom := errors.New("media error")
	dev.FailSectors(0, 256, boom)

	ino := NewInode(1, 512)
	ino.SetSize(4096)

	err := e.DirtyRange(ctx, ino, 0, 4096, linearMapper(dev, extent.Mapped, 0))
	assert.ErrorIs(t, err, ErrPageError)
}
