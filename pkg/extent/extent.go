// Package extent models the storage mapping handed to the buffered I/O
// engine by the file system's extent mapper. An extent describes how a
// contiguous byte range of a file is backed: by device sectors, by an
// unwritten allocation, by nothing at all (a hole), by delayed
// allocation, or by a small inline buffer stored with the metadata.
//
// Extents are produced by the mapper callback and consumed read-only by
// the engine; the mapping for a range may change between calls.
package extent

import (
	"context"
	"fmt"

	"github.com/mapfs/mapfs/pkg/blockio"
)

// Type classifies how a range is backed.
type Type int

const (
	// Hole means nothing is allocated for the range.
	Hole Type = iota
	// Delalloc means the range has a delayed allocation reservation.
	Delalloc
	// Mapped means the range is backed by allocated device sectors.
	Mapped
	// Unwritten means sectors are allocated but not yet written; their
	// content must be treated as zeroes.
	Unwritten
	// Inline means the data lives in a small buffer next to the file
	// metadata rather than on the device.
	Inline
)

func (t Type) String() string {
	switch t {
	case Hole:
		return "hole"
	case Delalloc:
		return "delalloc"
	case Mapped:
		return "mapped"
	case Unwritten:
		return "unwritten"
	case Inline:
		return "inline"
	default:
		return fmt.Sprintf("extent.Type(%d)", int(t))
	}
}

// Flags carry per-mapping attributes.
type Flags uint32

const (
	// FlagNew marks a freshly allocated mapping whose sectors hold no
	// previous file data.
	FlagNew Flags = 1 << iota
	// FlagShared marks a copy-on-write mapping shared with another
	// owner.
	FlagShared
	// FlagSizeChanged is set by the engine when an operation against
	// this mapping grew the file size; the mapping's owner must
	// eventually persist the new size.
	FlagSizeChanged
)

// AddrNull is the device address of extents with no backing sectors.
const AddrNull int64 = -1

// Extent describes the mapping for a contiguous file byte range.
type Extent struct {
	// Offset and Length delimit the mapped file range in bytes.
	Offset int64
	Length int64

	Type  Type
	Flags Flags

	// Device backs Mapped and Unwritten extents.
	Device blockio.Device

	// Addr is the byte address of Offset on the device, or AddrNull.
	Addr int64

	// InlineData holds the data of Inline extents.
	InlineData []byte
}

// Covers reports whether pos falls inside the mapped range.
func (e *Extent) Covers(pos int64) bool {
	return e.Offset <= pos && pos < e.Offset+e.Length
}

// End returns the first byte past the mapped range.
func (e *Extent) End() int64 { return e.Offset + e.Length }

// Sector returns the device sector backing file position pos.
func (e *Extent) Sector(pos int64) int64 {
	return (e.Addr + pos - e.Offset) >> blockio.SectorShift
}

// MapOp tells the mapper what the mapping will be used for, so it can
// allocate (write), reserve, or merely look up (read, zero).
type MapOp uint8

const (
	OpRead MapOp = iota
	OpWrite
	OpZero
)

func (op MapOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpZero:
		return "zero"
	default:
		return "read"
	}
}

// Mapper is the extent-mapping provider supplied by the file system.
//
// A mapper must return an extent covering pos (Offset <= pos < End) or
// report the range as an explicit Hole; it may return a shorter extent
// than the length requested. Errors abort the operation that asked for
// the mapping.
type Mapper func(ctx context.Context, pos, length int64, op MapOp) (Extent, error)
