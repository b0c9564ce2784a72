// Package blockio defines the block-submission transport boundary of
// the buffered I/O engine: the I/O unit handed to a device and the
// device contract itself.
//
// Submission is asynchronous. Submit returns immediately and the unit's
// completion callback runs later on a transport-owned goroutine, so
// everything the callback touches must use atomic or locked access.
// SubmitWait is the synchronous variant used for the small pre-reads
// issued inside write-begin.
package blockio

import (
	"context"
	"errors"

	"github.com/mapfs/mapfs/pkg/page"
)

// Sector geometry. The transport addresses storage in 512-byte sectors
// regardless of the target's block size.
const (
	SectorSize  = 512
	SectorShift = 9
)

// MaxVecs caps the number of page vectors in one I/O unit. A unit that
// reaches the cap is closed and a new one is chained after it.
const MaxVecs = 256

var (
	// ErrDeviceClosed is returned for submissions to a closed device.
	ErrDeviceClosed = errors.New("blockio: device is closed")

	// ErrOutOfRange is returned when a unit addresses sectors beyond
	// the end of the device.
	ErrOutOfRange = errors.New("blockio: sector out of range")
)

// Op distinguishes read from write units.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
)

func (op Op) String() string {
	if op == OpWrite {
		return "write"
	}
	return "read"
}

// Vec addresses a byte range within one page.
type Vec struct {
	Page *page.Page
	Off  int
	Len  int
}

// IO is one batched I/O unit: an ordered run of page vectors mapped to
// a contiguous run of device sectors.
//
// Once submitted, the unit is owned by the completion machinery until
// Done has returned; no other code may touch it afterwards.
type IO struct {
	Op     Op
	Sector int64
	Vecs   []Vec

	// Done is invoked exactly once with the unit's final status. It
	// runs on the transport's completion goroutine.
	Done func(err error)
}

// Length returns the total byte length of the unit.
func (io *IO) Length() int {
	n := 0
	for _, v := range io.Vecs {
		n += v.Len
	}
	return n
}

// EndSector returns the first sector past the end of the unit.
func (io *IO) EndSector() int64 {
	return io.Sector + int64(io.Length())>>SectorShift
}

// Full reports whether the unit cannot take another vector.
func (io *IO) Full() bool { return len(io.Vecs) >= MaxVecs }

// TryExtend grows the unit's final vector by n bytes when the new range
// continues it within the same page. Reports whether the extension was
// taken; when it is, the range joins an already-accounted vector and no
// new in-flight accounting is needed.
func (io *IO) TryExtend(p *page.Page, off, n int) bool {
	if len(io.Vecs) == 0 {
		return false
	}
	last := &io.Vecs[len(io.Vecs)-1]
	if last.Page != p || last.Off+last.Len != off {
		return false
	}
	last.Len += n
	return true
}

// AddVec appends a new page vector to the unit.
func (io *IO) AddVec(p *page.Page, off, n int) {
	io.Vecs = append(io.Vecs, Vec{Page: p, Off: off, Len: n})
}

// Device is the transport a batched unit is submitted to.
//
// Implementations deliver completions on their own goroutine and must
// invoke Done for every submitted unit, including after Close (with
// ErrDeviceClosed).
type Device interface {
	// Submit queues the unit and returns immediately.
	Submit(io *IO)

	// SubmitWait performs the unit synchronously and returns its
	// status. The unit's Done callback is not used.
	SubmitWait(ctx context.Context, io *IO) error

	// Sectors returns the device capacity in sectors.
	Sectors() int64

	// Close drains outstanding units and releases resources.
	Close() error
}
