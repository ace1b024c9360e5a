package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"mipmap.dev/internal/chunk"
)

// Rasterizer paints (or repaints) the base-zoom tile for one chunk.
type Rasterizer interface {
	RenderChunk(ctx context.Context, snap chunk.Snapshot) error
}

type RasterizerFunc func(ctx context.Context, snap chunk.Snapshot) error

func (f RasterizerFunc) RenderChunk(ctx context.Context, snap chunk.Snapshot) error {
	return f(ctx, snap)
}

// task is a queue entry; stop is the sentinel that tells one worker to exit.
type task struct {
	snap chunk.Snapshot
	stop bool
}

type PoolConfig struct {
	Workers        int
	QueueCapacity  int
	DequeueTimeout time.Duration
	StopTimeout    time.Duration
	Logger         *log.Logger
}

// WorkerPool is a fixed set of workers draining one shared task queue.
type WorkerPool struct {
	cfg   PoolConfig
	rast  Rasterizer
	tasks chan task

	mu      sync.Mutex
	workers []*worker

	renderedTotal  atomic.Uint64
	failedTotal    atomic.Uint64
	recoveredTotal atomic.Uint64
	abandonedTotal atomic.Uint64
}

type worker struct {
	id     int
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorkerPool(cfg PoolConfig, rast Rasterizer) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 65536
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &WorkerPool{
		cfg:   cfg,
		rast:  rast,
		tasks: make(chan task, cfg.QueueCapacity),
	}
}

func (p *WorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.workers) > 0 {
		return
	}
	for i := 0; i < p.cfg.Workers; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		w := &worker{id: i, cancel: cancel, done: make(chan struct{})}
		p.workers = append(p.workers, w)
		go p.run(ctx, w)
	}
	p.printf("tile workers started count=%d", p.cfg.Workers)
}

// Submit enqueues without blocking. It returns false when the queue is full.
func (p *WorkerPool) Submit(snap chunk.Snapshot) bool {
	select {
	case p.tasks <- task{snap: snap}:
		return true
	default:
		return false
	}
}

func (p *WorkerPool) Depth() int { return len(p.tasks) }

// Stop sends one sentinel per worker and joins each with the stop timeout.
// A worker that does not exit in time has its context cancelled and is
// abandoned.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	for range workers {
		select {
		case p.tasks <- task{stop: true}:
		case <-time.After(p.cfg.StopTimeout):
			// Queue saturated; the join below still bounds the wait.
		}
	}
	for _, w := range workers {
		t := time.NewTimer(p.cfg.StopTimeout)
		select {
		case <-w.done:
		case <-t.C:
			w.cancel()
			p.abandonedTotal.Add(1)
			p.printf("tile worker %d did not stop within %s; abandoned", w.id, p.cfg.StopTimeout)
		}
		t.Stop()
		w.cancel()
	}
}

func (p *WorkerPool) run(ctx context.Context, w *worker) {
	defer close(w.done)
	timer := time.NewTimer(p.cfg.DequeueTimeout)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.DequeueTimeout)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			continue
		case t := <-p.tasks:
			if t.stop {
				return
			}
			p.render(ctx, w, t.snap)
		}
	}
}

// render runs one task. A panicking rasterizer is recovered and counted as a
// failure; the worker keeps running.
func (p *WorkerPool) render(ctx context.Context, w *worker, snap chunk.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			p.recoveredTotal.Add(1)
			p.failedTotal.Add(1)
			p.printf("tile worker %d recovered panic dimension=%s err=%v", w.id, snap.Dimension, r)
		}
	}()
	if err := p.rast.RenderChunk(ctx, snap); err != nil {
		p.failedTotal.Add(1)
		p.printf("tile worker %d render failed dimension=%s err=%v", w.id, snap.Dimension, err)
		return
	}
	p.renderedTotal.Add(1)
}

type PoolStats struct {
	Workers        int
	QueueDepth     int
	QueueCapacity  int
	RenderedTotal  uint64
	FailedTotal    uint64
	RecoveredTotal uint64
	AbandonedTotal uint64
}

func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	n := len(p.workers)
	p.mu.Unlock()
	return PoolStats{
		Workers:        n,
		QueueDepth:     len(p.tasks),
		QueueCapacity:  cap(p.tasks),
		RenderedTotal:  p.renderedTotal.Load(),
		FailedTotal:    p.failedTotal.Load(),
		RecoveredTotal: p.recoveredTotal.Load(),
		AbandonedTotal: p.abandonedTotal.Load(),
	}
}

func (p *WorkerPool) printf(format string, args ...any) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Printf(format, args...)
	}
}

func (s PoolStats) String() string {
	return fmt.Sprintf("workers=%d depth=%d/%d rendered=%d failed=%d", s.Workers, s.QueueDepth, s.QueueCapacity, s.RenderedTotal, s.FailedTotal)
}
