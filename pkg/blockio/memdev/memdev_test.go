package memdev

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapfs/mapfs/pkg/blockio"
	"github.com/mapfs/mapfs/pkg/page"
)

func TestSubmitWait_RoundTrip(t *testing.T) {
	d := New(64)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	p := page.New(0, 4096)
	for i := range p.Data() {
		p.Data()[i] = byte(i)
	}

	w := &blockio.IO{Op: blockio.OpWrite, Sector: 8}
	w.AddVec(p, 0, 4096)
	require.NoError(t, d.SubmitWait(ctx, w))

	q := page.New(0, 4096)
	r := &blockio.IO{Op: blockio.OpRead, Sector: 8}
	r.AddVec(q, 0, 4096)
	require.NoError(t, d.SubmitWait(ctx, r))

	assert.True(t, bytes.Equal(p.Data(), q.Data()))
}

func TestSubmit_Async(t *testing.T) {
	d := New(64)
	defer func() { _ = d.Close() }()

	p := page.New(0, 4096)
	copy(p.Data(), []byte("async payload"))

	var wg sync.WaitGroup
	wg.Add(1)
	io := &blockio.IO{Op: blockio.OpWrite, Sector: 0}
	io.AddVec(p, 0, 4096)
	io.Done = func(err error) {
		assert.NoError(t, err)
		wg.Done()
	}
	d.Submit(io)
	wg.Wait()

	buf := make([]byte, 4096)
	d.ReadSectors(0, buf)
	assert.Equal(t, []byte("async payload"), buf[:13])
}

func TestStraddlingVecs(t *testing.T) {
	d := New(64)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	// One unit carrying ranges from two pages lands contiguously on
	// adjacent sectors.
	p0 := page.New(0, 4096)
	p1 := page.New(1, 4096)
	copy(p0.Data()[3584:], []byte("tail of page zero"))
	copy(p1.Data(), []byte("head of page one"))

	io := &blockio.IO{Op: blockio.OpWrite, Sector: 0}
	io.AddVec(p0, 3584, 512)
	io.AddVec(p1, 0, 512)
	require.NoError(t, d.SubmitWait(ctx, io))

	buf := make([]byte, 1024)
	d.ReadSectors(0, buf)
	assert.Equal(t, []byte("tail of page zero"), buf[:17])
	assert.Equal(t, []byte("head of page one"), buf[512:512+16])
}

func TestFailureInjection(t *testing.T) {
	d := New(64)
	defer func() { _ = d.Close() }()
	ctx := context.Background()

	boom := errors.New("media error")
	d.FailSectors(8, 8, boom)

	p := page.New(0, 4096)
	io := &blockio.IO{Op: blockio.OpWrite, Sector: 12}
	io.AddVec(p, 0, 512)
	assert.ErrorIs(t, d.SubmitWait(ctx, io), boom)

	// Units outside the armed range are unaffected.
	ok := &blockio.IO{Op: blockio.OpWrite, Sector: 16}
	ok.AddVec(p, 0, 512)
	assert.NoError(t, d.SubmitWait(ctx, ok))

	d.ClearFailures()
	assert.NoError(t, d.SubmitWait(ctx, io))
}

func TestOutOfRange(t *testing.T) {
	d := New(8)
	defer func() { _ = d.Close() }()

	p := page.New(0, 4096)
	io := &blockio.IO{Op: blockio.OpWrite, Sector: 4}
	io.AddVec(p, 0, 4096)
	assert.ErrorIs(t, d.SubmitWait(context.Background(), io), blockio.ErrOutOfRange)
}

func TestClose(t *testing.T) {
	d := New(8)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	p := page.New(0, 4096)
	io := &blockio.IO{Op: blockio.OpWrite, Sector: 0}
	io.AddVec(p, 0, 512)
	assert.ErrorIs(t, d.SubmitWait(context.Background(), io), blockio.ErrDeviceClosed)

	var wg sync.WaitGroup
	wg.Add(1)
	io2 := &blockio.IO{Op: blockio.OpWrite, Sector: 0}
	io2.AddVec(p, 0, 512)
	io2.Done = func(err error) {
		assert.ErrorIs(t, err, blockio.ErrDeviceClosed)
		wg.Done()
	}
	d.Submit(io2)
	wg.Wait()
}
