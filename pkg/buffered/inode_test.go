package buffered

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInodeSize(t *testing.T) {
	ino := NewInode(7, 512)
	assert.Equal(t, uint64(7), ino.ID())
	assert.Equal(t, 512, ino.BlockSize())
	assert.Equal(t, int64(0), ino.Size())

	assert.True(t, ino.growSize(100))
	assert.False(t, ino.growSize(50), "the size attribute never shrinks through growth")
	assert.False(t, ino.growSize(100))
	assert.Equal(t, int64(100), ino.Size())

	ino.SetSize(10)
	assert.Equal(t, int64(10), ino.Size())
}

func TestInodeDirtyLatch(t *testing.T) {
	ino := NewInode(1, 512)
	fired := 0
	ino.SetOnDirty(func(*Inode) { fired++ })

	ino.markDirty()
	ino.markDirty()
	assert.Equal(t, 1, fired, "only the clean to dirty transition notifies")

	ino.ClearDirtyState()
	ino.markDirty()
	assert.Equal(t, 2, fired)
}

func TestInodeWriteErr(t *testing.T) {
	ino := NewInode(1, 512)
	assert.NoError(t, ino.WriteErr())

	first := errors.New("first")
	ino.setWriteErr(first)
	ino.setWriteErr(errors.New("second"))
	assert.ErrorIs(t, ino.WriteErr(), first)
	assert.ErrorIs(t, ino.WriteErr(), first, "WriteErr does not clear")

	assert.ErrorIs(t, ino.SyncErr(), first)
	assert.NoError(t, ino.SyncErr(), "SyncErr clears the latch")
}

func TestInodeDirtyHookConcurrentInstall(t *testing.T) {
	ino := NewInode(1, 512)

	var fired atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			ino.SetOnDirty(func(*Inode) { fired.Add(1) })
			ino.SetOnDirty(nil)
		}
	}()
	for i := 0; i < 1000; i++ {
		ino.markDirty()
		ino.ClearDirtyState()
	}
	<-done

	ino.SetOnDirty(func(*Inode) { fired.Add(1) })
	before := fired.Load()
	ino.ClearDirtyState()
	ino.markDirty()
	assert.Equal(t, before+1, fired.Load())
}
