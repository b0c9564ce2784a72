package extent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mapfs/mapfs/pkg/blockio"
)

func TestExtentCovers(t *testing.T) {
	e := Extent{Offset: 4096, Length: 8192}
	assert.False(t, e.Covers(4095))
	assert.True(t, e.Covers(4096))
	assert.True(t, e.Covers(12287))
	assert.False(t, e.Covers(12288))
	assert.Equal(t, int64(12288), e.End())
}

func TestExtentSector(t *testing.T) {
	e := Extent{Offset: 8192, Length: 4096, Addr: 64 * blockio.SectorSize}
	assert.Equal(t, int64(64), e.Sector(8192))
	assert.Equal(t, int64(65), e.Sector(8192+512))
	assert.Equal(t, int64(71), e.Sector(8192+4095))
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "hole", Hole.String())
	assert.Equal(t, "delalloc", Delalloc.String())
	assert.Equal(t, "mapped", Mapped.String())
	assert.Equal(t, "unwritten", Unwritten.String())
	assert.Equal(t, "inline", Inline.String())
}

func TestMapOpString(t *testing.T) {
	assert.Equal(t, "read", OpRead.String())
	assert.Equal(t, "write", OpWrite.String())
	assert.Equal(t, "zero", OpZero.String())
}
