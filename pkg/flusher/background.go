// Package flusher implements background writeback for dirty page-cache
// targets. It decouples device latency from the write path: writes
// dirty pages and return immediately, the flusher sweeps them to the
// device on its own schedule or when kicked.
package flusher

import (
	"context"
	"sync"
	"time"

	"github.com/mapfs/mapfs/internal/logger"
	"github.com/mapfs/mapfs/pkg/buffered"
)

// flushRequest identifies one registered target due for a sweep.
type flushRequest struct {
	targetID uint64
}

// target pairs a registered inode with its writeback callbacks.
type target struct {
	ino *buffered.Inode
	ops *buffered.WritebackOps
}

// Flusher runs writeback passes over registered targets. Targets are
// swept when their first dirty page appears (via the inode dirty
// latch), on a periodic interval, and on demand through Sync.
type Flusher struct {
	engine *buffered.Engine

	// Flush queue with bounded capacity
	queue    chan flushRequest
	interval time.Duration

	// Worker management
	workers   int
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   bool

	mu          sync.Mutex
	targets     map[uint64]*target
	pending     map[uint64]bool
	completed   int
	failed      int
	lastError   error
	lastErrorAt time.Time
}

// Config holds flusher configuration.
type Config struct {
	// Interval between periodic sweeps of all dirty targets.
	// Default: 30s
	Interval time.Duration

	// QueueSize is the maximum number of queued flush requests.
	// Default: 1024
	QueueSize int

	// Workers is the number of concurrent flush workers.
	// Default: 2
	Workers int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  30 * time.Second,
		QueueSize: 1024,
		Workers:   2,
	}
}

// New creates a flusher over the given engine.
func New(engine *buffered.Engine, cfg Config) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	return &Flusher{
		engine:    engine,
		queue:     make(chan flushRequest, cfg.QueueSize),
		interval:  cfg.Interval,
		workers:   cfg.Workers,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		targets:   make(map[uint64]*target),
		pending:   make(map[uint64]bool),
	}
}

// Register makes the flusher responsible for a target. The inode's
// dirty latch is pointed at the flush queue, so the first dirtying
// write after a clean state schedules a sweep without polling.
func (f *Flusher) Register(ino *buffered.Inode, ops *buffered.WritebackOps) {
	f.mu.Lock()
	f.targets[ino.ID()] = &target{ino: ino, ops: ops}
	f.mu.Unlock()

	id := ino.ID()
	ino.SetOnDirty(func(*buffered.Inode) { f.kick(id) })
}

// Unregister detaches a target, typically at file close after a final
// Sync. Dirty pages still cached are left for the caller to settle.
func (f *Flusher) Unregister(ino *buffered.Inode) {
	ino.SetOnDirty(nil)
	f.mu.Lock()
	delete(f.targets, ino.ID())
	delete(f.pending, ino.ID())
	f.mu.Unlock()
}

// kick schedules a sweep for the target unless one is already queued.
// Non-blocking; a full queue is fine because the periodic sweep will
// catch the target anyway.
func (f *Flusher) kick(targetID uint64) {
	f.mu.Lock()
	if f.pending[targetID] {
		f.mu.Unlock()
		return
	}
	f.pending[targetID] = true
	f.mu.Unlock()

	select {
	case f.queue <- flushRequest{targetID: targetID}:
	default:
		f.mu.Lock()
		delete(f.pending, targetID)
		f.mu.Unlock()
		logger.Warn("Flush queue full, deferring to periodic sweep",
			"target", targetID)
	}
}

// Start launches the flush workers and the periodic sweep.
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	logger.Info("Starting flusher", "workers", f.workers, "interval", f.interval)

	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.worker(ctx)
	}
	f.wg.Add(1)
	go f.ticker(ctx)

	go func() {
		f.wg.Wait()
		close(f.stoppedCh)
	}()
}

// Stop shuts the flusher down, draining queued sweeps first. Blocks up
// to timeout.
func (f *Flusher) Stop(timeout time.Duration) {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	logger.Info("Stopping flusher")
	close(f.stopCh)

	select {
	case <-f.stoppedCh:
		logger.Info("Flusher stopped")
	case <-time.After(timeout):
		logger.Warn("Flusher stop timed out")
	}
}

// Sync flushes one target synchronously and waits for its pages to
// leave writeback, returning the target's sticky write error. The
// fsync path.
func (f *Flusher) Sync(ctx context.Context, ino *buffered.Inode) error {
	f.mu.Lock()
	tgt := f.targets[ino.ID()]
	f.mu.Unlock()
	if tgt == nil {
		return nil
	}

	wc := buffered.NewWritebackContext(tgt.ops)
	if err := f.engine.WritePages(ctx, ino, wc); err != nil {
		return err
	}
	return f.engine.WaitWriteback(ctx, ino, 0, ino.Size())
}

// Stats returns flush statistics.
func (f *Flusher) Stats() (completed, failed int, lastError error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed, f.failed, f.lastError
}

// ticker enqueues every dirty target at each interval, backstopping
// dropped kicks and retrying pages kept dirty after partial mapping
// failures.
func (f *Flusher) ticker(ctx context.Context) {
	defer f.wg.Done()

	t := time.NewTicker(f.interval)
	defer t.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			f.mu.Lock()
			ids := make([]uint64, 0, len(f.targets))
			for id := range f.targets {
				if f.engine.Cache().HasDirty(id) {
					ids = append(ids, id)
				}
			}
			f.mu.Unlock()
			for _, id := range ids {
				f.kick(id)
			}
		}
	}
}

// worker processes flush requests from the queue.
func (f *Flusher) worker(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-f.stopCh:
			f.drainQueue(ctx)
			return
		case <-ctx.Done():
			return
		case req := <-f.queue:
			f.processRequest(ctx, req)
		}
	}
}

// drainQueue sweeps the remaining queued targets during shutdown.
func (f *Flusher) drainQueue(ctx context.Context) {
	for {
		select {
		case req := <-f.queue:
			f.processRequest(ctx, req)
		default:
			return
		}
	}
}

// processRequest runs one writeback pass over a target.
func (f *Flusher) processRequest(ctx context.Context, req flushRequest) {
	f.mu.Lock()
	delete(f.pending, req.targetID)
	tgt := f.targets[req.targetID]
	f.mu.Unlock()
	if tgt == nil {
		return
	}

	wc := buffered.NewWritebackContext(tgt.ops)
	err := f.engine.WritePages(ctx, tgt.ino, wc)

	f.mu.Lock()
	if err != nil {
		f.failed++
		f.lastError = err
		f.lastErrorAt = time.Now()
		logger.Error("Background writeback failed",
			"target", req.targetID, "error", err)
	} else {
		f.completed++
		logger.Debug("Background writeback completed", "target", req.targetID)
	}
	f.mu.Unlock()
}
