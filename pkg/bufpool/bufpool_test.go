package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Buffer Allocation Tests
// ============================================================================

func TestBufferAllocation(t *testing.T) {
	t.Run("AllocatesSectorBuffer", func(t *testing.T) {
		buf := Get(100)
		defer Put(buf)

		assert.Equal(t, 100, len(buf))
		assert.Equal(t, SectorSize, cap(buf))
	})

	t.Run("AllocatesPageBuffer", func(t *testing.T) {
		buf := Get(SectorSize + 1)
		defer Put(buf)

		assert.Equal(t, SectorSize+1, len(buf))
		assert.Equal(t, PageSize, cap(buf))
	})

	t.Run("AllocatesBulkBuffer", func(t *testing.T) {
		buf := Get(64 * 1024)
		defer Put(buf)

		assert.Equal(t, 64*1024, len(buf))
		assert.Equal(t, BulkSize, cap(buf))
	})

	t.Run("AllocatesOversizedDirectly", func(t *testing.T) {
		buf := Get(BulkSize + 1)
		defer Put(buf)

		assert.Equal(t, BulkSize+1, len(buf))
	})

	t.Run("ExactClassBoundaries", func(t *testing.T) {
		for _, size := range []int{SectorSize, PageSize, BulkSize} {
			buf := Get(size)
			assert.Equal(t, size, len(buf))
			assert.Equal(t, size, cap(buf))
			Put(buf)
		}
	})
}

// ============================================================================
// Reuse Tests
// ============================================================================

func TestBufferReuse(t *testing.T) {
	t.Run("ReturnedBufferHasFullLength", func(t *testing.T) {
		p := NewPool()

		buf := p.Get(SectorSize)
		require.Equal(t, SectorSize, len(buf))
		p.Put(buf)

		// A short request after a full-length return must still be
		// sliced down to the requested length.
		buf = p.Get(10)
		assert.Equal(t, 10, len(buf))
	})

	t.Run("PutNilIsNoop", func(t *testing.T) {
		assert.NotPanics(t, func() { Put(nil) })
	})

	t.Run("PutForeignBufferIsDropped", func(t *testing.T) {
		// Odd capacity matches no size class.
		assert.NotPanics(t, func() { Put(make([]byte, 777)) })
	})
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentAccess(t *testing.T) {
	p := NewPool()
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				size := (n*131 + j*17) % (2 * PageSize)
				if size == 0 {
					size = 1
				}
				buf := p.Get(size)
				require.Equal(t, size, len(buf))
				buf[0] = byte(n)
				p.Put(buf)
			}
		}(i)
	}
	wg.Wait()
}
