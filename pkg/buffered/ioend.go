package buffered

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mapfs/mapfs/internal/logger"
	"github.com/mapfs/mapfs/pkg/blockio"
	"github.com/mapfs/mapfs/pkg/extent"
)

// Ioend is one writeback batch: a run of dirty blocks that is
// contiguous in the file, contiguous on the device, and uniform in
// extent type and shared flag. It owns its device I/O units from
// submission until the completion callback has finished every page,
// after which it must not be referenced again.
type Ioend struct {
	// ID tags the batch in diagnostics.
	ID uuid.UUID

	Type    extent.Type
	Shared  bool
	Offset  int64 // file position of the first byte
	Size    int64 // bytes queued so far
	Sector  int64
	Ino     *Inode
	Private any

	// OnComplete, when set by the submit hook, takes over completion:
	// the engine calls it with the device status instead of finishing
	// pages itself, and the owner calls Finish when done.
	OnComplete func(*Ioend, error)

	dev    blockio.Device
	ios    []*blockio.IO
	merged []*Ioend

	mu      sync.Mutex
	status  error
	pending int
}

func newIoend(ino *Inode, ext *extent.Extent, pos, sector int64) *Ioend {
	ioe := &Ioend{
		ID:     uuid.New(),
		Type:   ext.Type,
		Shared: ext.Flags&extent.FlagShared != 0,
		Offset: pos,
		Sector: sector,
		Ino:    ino,
		dev:    ext.Device,
	}
	ioe.ios = append(ioe.ios, &blockio.IO{Op: blockio.OpWrite, Sector: sector})
	return ioe
}

func (ioe *Ioend) lastIO() *blockio.IO { return ioe.ios[len(ioe.ios)-1] }

func (ioe *Ioend) endSector() int64 { return ioe.lastIO().EndSector() }

// chainIO opens a fresh device I/O unit continuing at sector when the
// current one holds its maximum vector count.
func (ioe *Ioend) chainIO(sector int64) *blockio.IO {
	next := &blockio.IO{Op: blockio.OpWrite, Sector: sector}
	ioe.ios = append(ioe.ios, next)
	return next
}

// Err returns the first device or submit error seen by this batch.
func (ioe *Ioend) Err() error {
	ioe.mu.Lock()
	defer ioe.mu.Unlock()
	return ioe.status
}

func (ioe *Ioend) recordErr(err error) {
	if err == nil {
		return
	}
	ioe.mu.Lock()
	if ioe.status == nil {
		ioe.status = err
	}
	ioe.mu.Unlock()
}

// submit hands every I/O unit of the batch to the device. The last
// unit to complete drives the batch completion with the first error
// any unit reported.
func (ioe *Ioend) submit() {
	ioe.mu.Lock()
	ioe.pending = len(ioe.ios)
	ioe.mu.Unlock()

	for _, io := range ioe.ios {
		io.Done = func(err error) {
			ioe.recordErr(err)
			ioe.mu.Lock()
			ioe.pending--
			last := ioe.pending == 0
			ioe.mu.Unlock()
			if last {
				ioe.complete(ioe.Err())
			}
		}
		ioe.dev.Submit(io)
	}
}

func (ioe *Ioend) complete(err error) {
	if ioe.OnComplete != nil {
		ioe.OnComplete(ioe, err)
		return
	}
	ioe.Finish(err)
}

// finishWriteVec settles one completed write vector: on failure the
// page is flagged and the error sticks to the owning target; either
// way writeback ends once the last in-flight write on the page is
// accounted.
func finishWriteVec(ino *Inode, v blockio.Vec, err error) {
	p := v.Page
	if err != nil {
		p.SetError()
		ino.setWriteErr(err)
	}
	if sub := p.Sub(); sub == nil || sub.DecWrites() {
		p.EndWriteback()
	}
}

// Finish ends page writeback for every page of the batch and of every
// batch merged into it, recording err on the pages and the target when
// non-nil. After Finish returns the batch is dead.
func (ioe *Ioend) Finish(err error) {
	ioe.recordErr(err)
	for _, io := range ioe.ios {
		for _, v := range io.Vecs {
			finishWriteVec(ioe.Ino, v, err)
		}
	}
	for _, m := range ioe.merged {
		m.Finish(err)
	}
	ioe.merged = nil
	if err != nil {
		logger.Error("writeback batch failed",
			"ioend", ioe.ID, "offset", ioe.Offset, "size", ioe.Size, "error", err)
	}
}

// CanMerge reports whether next can fold into this batch: same target,
// device, extent type and shared flag, matching status so far, and
// file-adjacent.
func (ioe *Ioend) CanMerge(next *Ioend) bool {
	if ioe.Ino != next.Ino || ioe.dev != next.dev {
		return false
	}
	if ioe.Type != next.Type || ioe.Shared != next.Shared {
		return false
	}
	if ioe.Err() != next.Err() {
		return false
	}
	return ioe.Offset+ioe.Size == next.Offset
}

// Merge folds next into this batch so one Finish settles both.
// mergePrivate, if non-nil, reconciles the filesystem payloads.
func (ioe *Ioend) Merge(next *Ioend, mergePrivate func(dst, src *Ioend)) {
	ioe.Size += next.Size
	if mergePrivate != nil {
		mergePrivate(ioe, next)
	}
	ioe.merged = append(ioe.merged, next)
	ioe.merged = append(ioe.merged, next.merged...)
	next.merged = nil
}

// SortIoends orders completed batches by ascending file offset, the
// precondition for the linear CanMerge/Merge sweep.
func SortIoends(ioends []*Ioend) {
	sort.Slice(ioends, func(i, j int) bool {
		return ioends[i].Offset < ioends[j].Offset
	})
}
