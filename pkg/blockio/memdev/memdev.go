// Package memdev provides a RAM-backed sector device. Asynchronous
// submissions are serviced by a worker goroutine, so completions run on
// a separate goroutine exactly like a real transport's would. Sector
// ranges can be armed to fail, which tests use to exercise the error
// paths of the engine.
package memdev

import (
	"context"
	"sync"

	"github.com/mapfs/mapfs/pkg/blockio"
)

// Device is an in-memory implementation of blockio.Device.
type Device struct {
	mu   sync.RWMutex
	data []byte

	failures []failRange

	queue chan *blockio.IO
	wg    sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

type failRange struct {
	sector, count int64
	err           error
}

// New creates a device with the given capacity in sectors.
func New(sectors int64) *Device {
	d := &Device{
		data:  make([]byte, sectors*blockio.SectorSize),
		queue: make(chan *blockio.IO, 64),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Device) run() {
	defer d.wg.Done()
	for io := range d.queue {
		err := d.process(io)
		io.Done(err)
	}
}

// Submit queues the unit for asynchronous processing. Units submitted
// after Close complete immediately with ErrDeviceClosed.
func (d *Device) Submit(io *blockio.IO) {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		go io.Done(blockio.ErrDeviceClosed)
		return
	}
	d.queue <- io
	d.closeMu.Unlock()
}

// SubmitWait performs the unit synchronously.
func (d *Device) SubmitWait(ctx context.Context, io *blockio.IO) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.closeMu.Lock()
	closed := d.closed
	d.closeMu.Unlock()
	if closed {
		return blockio.ErrDeviceClosed
	}
	return d.process(io)
}

// Sectors returns the device capacity in sectors.
func (d *Device) Sectors() int64 {
	return int64(len(d.data)) >> blockio.SectorShift
}

// Close stops the worker after draining queued units.
func (d *Device) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()
	d.wg.Wait()
	return nil
}

// FailSectors arms [sector, sector+count) to fail with err. Any unit
// overlapping the range completes with err without touching data.
func (d *Device) FailSectors(sector, count int64, err error) {
	d.mu.Lock()
	d.failures = append(d.failures, failRange{sector: sector, count: count, err: err})
	d.mu.Unlock()
}

// ClearFailures disarms all failure ranges.
func (d *Device) ClearFailures() {
	d.mu.Lock()
	d.failures = nil
	d.mu.Unlock()
}

func (d *Device) process(io *blockio.IO) error {
	length := io.Length()
	if length%blockio.SectorSize != 0 {
		panic("memdev: unit length not sector aligned")
	}
	start := io.Sector << blockio.SectorShift
	end := start + int64(length)

	d.mu.Lock()
	defer d.mu.Unlock()

	if start < 0 || end > int64(len(d.data)) {
		return blockio.ErrOutOfRange
	}
	for _, f := range d.failures {
		if io.Sector < f.sector+f.count && io.EndSector() > f.sector {
			return f.err
		}
	}

	pos := start
	for _, v := range io.Vecs {
		buf := v.Page.Data()[v.Off : v.Off+v.Len]
		if io.Op == blockio.OpWrite {
			copy(d.data[pos:], buf)
		} else {
			copy(buf, d.data[pos:pos+int64(v.Len)])
		}
		pos += int64(v.Len)
	}
	return nil
}

// WriteSectors copies raw bytes into the device, for seeding tests and
// tools. len(data) must be sector aligned.
func (d *Device) WriteSectors(sector int64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.data[sector<<blockio.SectorShift:], data)
}

// ReadSectors copies raw bytes out of the device.
func (d *Device) ReadSectors(sector int64, buf []byte) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	copy(buf, d.data[sector<<blockio.SectorShift:])
}
