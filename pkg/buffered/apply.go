package buffered

import (
	"context"
	"fmt"

	"github.com/mapfs/mapfs/pkg/extent"
)

// actorFunc is the per-extent work function driven by apply. It is
// offered the extent-limited range [pos, pos+length) and returns how
// many bytes it actually advanced, which may be fewer than offered to
// allow partial-progress retries.
type actorFunc func(ctx context.Context, pos, length int64, ext *extent.Extent) (int64, error)

// apply decouples extent discovery from I/O-kind-specific logic: it
// repeatedly asks the mapper for the extent at the current position,
// clamps the remaining range to that extent, and hands the sub-range
// to the actor, advancing by whatever the actor consumed.
//
// The mapper may return a shorter extent than requested but must cover
// the current position; the actor must make progress or fail. Zero
// progress without an error indicates a proportionality bug in the
// actor and is fatal. On an actor or mapper error the accumulated
// progress is returned alongside the error.
func (e *Engine) apply(ctx context.Context, ino *Inode, pos, length int64,
	op extent.MapOp, m extent.Mapper, actor actorFunc) (int64, error) {

	var done int64
	for length > 0 {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		ext, err := m(ctx, pos, length, op)
		if err != nil {
			return done, fmt.Errorf("map %s at %d: %w", op, pos, err)
		}
		if !ext.Covers(pos) {
			panic(fmt.Sprintf("buffered: mapper returned extent [%d,%d) not covering %d",
				ext.Offset, ext.End(), pos))
		}

		avail := ext.End() - pos
		if avail > length {
			avail = length
		}

		n, err := actor(ctx, pos, avail, &ext)
		if err != nil {
			return done, err
		}
		if n <= 0 {
			panic("buffered: actor made no progress")
		}

		pos += n
		length -= n
		done += n
	}
	return done, nil
}
