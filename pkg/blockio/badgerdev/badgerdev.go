// Package badgerdev implements a persistent sector device on top of
// BadgerDB. Each sector is one key/value pair, so sparse devices cost
// nothing and a missing sector reads as zeroes. It is the durable
// counterpart to memdev and shares its completion model: asynchronous
// units are serviced by a worker goroutine.
package badgerdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/mapfs/mapfs/pkg/blockio"
	"github.com/mapfs/mapfs/pkg/bufpool"
)

const keyPrefix = 's'

// Device stores sectors in a Badger database.
type Device struct {
	db      *badger.DB
	sectors int64

	queue chan *blockio.IO
	wg    sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

// Open opens (creating if needed) a device at dir with the given
// capacity in sectors.
func Open(dir string, sectors int64) (*Device, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerdev: open %s: %w", dir, err)
	}
	d := &Device{
		db:      db,
		sectors: sectors,
		queue:   make(chan *blockio.IO, 64),
	}
	d.wg.Add(1)
	go d.run()
	return d, nil
}

func sectorKey(sector int64) []byte {
	key := make([]byte, 9)
	key[0] = keyPrefix
	binary.BigEndian.PutUint64(key[1:], uint64(sector))
	return key
}

func (d *Device) run() {
	defer d.wg.Done()
	for io := range d.queue {
		io.Done(d.process(io))
	}
}

// Submit queues the unit for asynchronous processing.
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
func (d *Device) Sectors() int64 { return d.sectors }

// Close drains the queue and closes the database.
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
	return d.db.Close()
}

func (d *Device) process(io *blockio.IO) error {
	length := io.Length()
	if length%blockio.SectorSize != 0 {
		panic("badgerdev: unit length not sector aligned")
	}
	if io.Sector < 0 || io.EndSector() > d.sectors {
		return blockio.ErrOutOfRange
	}
	if io.Op == blockio.OpWrite {
		return d.write(io)
	}
	return d.read(io)
}

func (d *Device) write(io *blockio.IO) error {
	wb := d.db.NewWriteBatch()
	defer wb.Cancel()

	// Badger retains value slices until the batch is flushed, so each
	// sector is staged in its own pooled buffer.
	var staged [][]byte
	defer func() {
		for _, buf := range staged {
			bufpool.Put(buf)
		}
	}()

	sector := io.Sector
	err := eachSector(io, func(data []byte) error {
		buf := bufpool.Get(blockio.SectorSize)
		copy(buf, data)
		staged = append(staged, buf)
		if err := wb.Set(sectorKey(sector), buf); err != nil {
			return err
		}
		sector++
		return nil
	})
	if err != nil {
		return err
	}
	return wb.Flush()
}

func (d *Device) read(io *blockio.IO) error {
	sector := io.Sector
	return d.db.View(func(txn *badger.Txn) error {
		return eachSector(io, func(data []byte) error {
			item, err := txn.Get(sectorKey(sector))
			switch err {
			case nil:
				if err := item.Value(func(val []byte) error {
					copy(data, val)
					return nil
				}); err != nil {
					return err
				}
			case badger.ErrKeyNotFound:
				clear(data)
			default:
				return err
			}
			sector++
			return nil
		})
	})
}

// eachSector calls fn once per sector-sized slice of the unit's data,
// in device order, stitching vectors together across sector borders
// through a pooled staging buffer when needed. For reads fn fills the
// slice; changes land back in the page vectors.
func eachSector(io *blockio.IO, fn func(data []byte) error) error {
	vi, vo := 0, 0
	stage := bufpool.Get(blockio.SectorSize)
	defer bufpool.Put(stage)

	for vi < len(io.Vecs) {
		v := io.Vecs[vi]
		buf := v.Page.Data()[v.Off+vo : v.Off+v.Len]
		if len(buf) >= blockio.SectorSize {
			if err := fn(buf[:blockio.SectorSize]); err != nil {
				return err
			}
			vo += blockio.SectorSize
		} else {
			// Sector straddles vectors: gather, process, scatter.
			n := 0
			svi, svo := vi, vo
			for n < blockio.SectorSize {
				v := io.Vecs[svi]
				part := v.Page.Data()[v.Off+svo : v.Off+v.Len]
				c := copy(stage[n:blockio.SectorSize], part)
				n += c
				svo += c
				if svo == v.Len {
					svi, svo = svi+1, 0
				}
			}
			if err := fn(stage[:blockio.SectorSize]); err != nil {
				return err
			}
			n = 0
			for n < blockio.SectorSize {
				v := io.Vecs[vi]
				part := v.Page.Data()[v.Off+vo : v.Off+v.Len]
				c := copy(part, stage[n:blockio.SectorSize])
				n += c
				vo += c
				if vo == v.Len {
					vi, vo = vi+1, 0
				}
			}
			continue
		}
		if vo == v.Len {
			vi, vo = vi+1, 0
		}
	}
	return nil
}
