package ingest

import (
	"log"
	"sync/atomic"
	"time"

	"mipmap.dev/internal/chunk"
)

type Config struct {
	Workers        int
	QueueCapacity  int
	DedupWindow    time.Duration
	DequeueTimeout time.Duration
	StopTimeout    time.Duration
	Logger         *log.Logger
}

// Manager is the public intake API: dedup in front of the worker pool.
type Manager struct {
	dedup  *DedupTracker
	pool   *WorkerPool
	logger *log.Logger

	acceptedTotal  atomic.Uint64
	dedupDropTotal atomic.Uint64
	fullDropTotal  atomic.Uint64
}

func NewManager(cfg Config, rast Rasterizer) *Manager {
	return &Manager{
		dedup: NewDedupTracker(cfg.DedupWindow),
		pool: NewWorkerPool(PoolConfig{
			Workers:        cfg.Workers,
			QueueCapacity:  cfg.QueueCapacity,
			DequeueTimeout: cfg.DequeueTimeout,
			StopTimeout:    cfg.StopTimeout,
			Logger:         cfg.Logger,
		}, rast),
		logger: cfg.Logger,
	}
}

func (m *Manager) Start() { m.pool.Start() }

func (m *Manager) Stop() {
	m.pool.Stop()
	m.printf("tile workers stopped %s", m.pool.Stats())
}

// AddTask enqueues a render task unless the same chunk was seen inside the
// dedup window. It returns the queue depth after the call.
func (m *Manager) AddTask(snap chunk.Snapshot) (int, error) {
	key, err := snap.Key()
	if err != nil {
		return m.pool.Depth(), err
	}
	if m.dedup.Observe(key) {
		m.dedupDropTotal.Add(1)
		return m.pool.Depth(), nil
	}
	if !m.pool.Submit(snap) {
		// Un-stamp so the next report of this chunk is not coalesced away.
		m.dedup.Forget(key)
		m.fullDropTotal.Add(1)
		m.printf("tile queue full; drop chunk=%s depth=%d", key, m.pool.Depth())
		return m.pool.Depth(), nil
	}
	m.acceptedTotal.Add(1)
	return m.pool.Depth(), nil
}

type Stats struct {
	Pool           PoolStats
	DedupKeys      int
	AcceptedTotal  uint64
	DedupDropTotal uint64
	FullDropTotal  uint64
}

func (m *Manager) Stats() Stats {
	return Stats{
		Pool:           m.pool.Stats(),
		DedupKeys:      m.dedup.Len(),
		AcceptedTotal:  m.acceptedTotal.Load(),
		DedupDropTotal: m.dedupDropTotal.Load(),
		FullDropTotal:  m.fullDropTotal.Load(),
	}
}

func (m *Manager) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
