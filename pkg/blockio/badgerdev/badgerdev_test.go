package badgerdev

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapfs/mapfs/pkg/blockio"
	"github.com/mapfs/mapfs/pkg/page"
)

func openTestDevice(t *testing.T, sectors int64) *Device {
	t.Helper()
	d, err := Open(t.TempDir(), sectors)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestRoundTrip(t *testing.T) {
	d := openTestDevice(t, 64)
	ctx := context.Background()

	p := page.New(0, 4096)
	for i := range p.Data() {
		p.Data()[i] = byte(i * 7)
	}
	w := &blockio.IO{Op: blockio.OpWrite, Sector: 16}
	w.AddVec(p, 0, 4096)
	require.NoError(t, d.SubmitWait(ctx, w))

	q := page.New(0, 4096)
	r := &blockio.IO{Op: blockio.OpRead, Sector: 16}
	r.AddVec(q, 0, 4096)
	require.NoError(t, d.SubmitWait(ctx, r))

	assert.True(t, bytes.Equal(p.Data(), q.Data()))
}

func TestSparseReadsZero(t *testing.T) {
	d := openTestDevice(t, 64)

	p := page.New(0, 4096)
	for i := range p.Data() {
		p.Data()[i] = 0xff
	}
	r := &blockio.IO{Op: blockio.OpRead, Sector: 0}
	r.AddVec(p, 0, 4096)
	require.NoError(t, d.SubmitWait(context.Background(), r))

	assert.Equal(t, make([]byte, 4096), p.Data(), "unwritten sectors read as zeroes")
}

func TestSectorStraddlingVecs(t *testing.T) {
	d := openTestDevice(t, 64)
	ctx := context.Background()

	// Two 256-byte halves of one sector come from different pages; the
	// staging path has to stitch them into a single value.
	p0 := page.New(0, 4096)
	p1 := page.New(1, 4096)
	copy(p0.Data()[3840:], bytes.Repeat([]byte{0xaa}, 256))
	copy(p1.Data(), bytes.Repeat([]byte{0xbb}, 256))

	w := &blockio.IO{Op: blockio.OpWrite, Sector: 4}
	w.AddVec(p0, 3840, 256)
	w.AddVec(p1, 0, 256)
	require.NoError(t, d.SubmitWait(ctx, w))

	q := page.New(0, 4096)
	r := &blockio.IO{Op: blockio.OpRead, Sector: 4}
	r.AddVec(q, 0, 512)
	require.NoError(t, d.SubmitWait(ctx, r))

	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 256), q.Data()[:256])
	assert.Equal(t, bytes.Repeat([]byte{0xbb}, 256), q.Data()[256:512])
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	d, err := Open(dir, 64)
	require.NoError(t, err)

	p := page.New(0, 4096)
	copy(p.Data(), []byte("survives reopen"))
	w := &blockio.IO{Op: blockio.OpWrite, Sector: 0}
	w.AddVec(p, 0, 512)
	require.NoError(t, d.SubmitWait(ctx, w))
	require.NoError(t, d.Close())

	d, err = Open(dir, 64)
	require.NoError(t, err)
	defer func() { _ = d.Close() }()

	q := page.New(0, 4096)
	r := &blockio.IO{Op: blockio.OpRead, Sector: 0}
	r.AddVec(q, 0, 512)
	require.NoError(t, d.SubmitWait(ctx, r))
	assert.Equal(t, []byte("survives reopen"), q.Data()[:15])
}

func TestAsyncSubmit(t *testing.T) {
	d := openTestDevice(t, 64)

	p := page.New(0, 4096)
	copy(p.Data(), []byte("queued"))

	var wg sync.WaitGroup
	wg.Add(1)
	io := &blockio.IO{Op: blockio.OpWrite, Sector: 8}
	io.AddVec(p, 0, 512)
	io.Done = func(err error) {
		assert.NoError(t, err)
		wg.Done()
	}
	d.Submit(io)
	wg.Wait()
}

func TestOutOfRange(t *testing.T) {
	d := openTestDevice(t, 4)

	p := page.New(0, 4096)
	io := &blockio.IO{Op: blockio.OpWrite, Sector: 2}
	io.AddVec(p, 0, 4096)
	assert.ErrorIs(t, d.SubmitWait(context.Background(), io), blockio.ErrOutOfRange)
}
