package r2s3

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mipmap.dev/internal/tiles"
)

type MirrorConfig struct {
	// Root is the local worlds root; object keys are paths relative to it.
	Root          string
	Prefix        string
	Workers       int
	QueueCapacity int
	// EnqueueWait is how long Enqueue may wait on a saturated queue before dropping.
	EnqueueWait  time.Duration
	CacheControl string
	MaxAttempts  int
	Logger       *log.Logger
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

// Mirror copies written tiles to the bucket in the background.
type Mirror struct {
	client       *Client
	root         string
	prefix       string
	cacheControl string
	maxAttempts  int
	logger       *log.Logger

	// mu guards closing jobs against in-flight Enqueue sends.
	mu          sync.RWMutex
	closed      bool
	jobs        chan tiles.Written
	enqueueWait time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewMirror(client *Client, cfg MirrorConfig) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.EnqueueWait <= 0 {
		cfg.EnqueueWait = 25 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		client:       client,
		root:         cfg.Root,
		prefix:       strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/"),
		cacheControl: cfg.CacheControl,
		maxAttempts:  cfg.MaxAttempts,
		logger:       cfg.Logger,
		jobs:         make(chan tiles.Written, cfg.QueueCapacity),
		enqueueWait:  cfg.EnqueueWait,
		ctx:          ctx,
		cancel:       cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for w := range m.jobs {
				m.uploadOne(w)
			}
		}()
	}
	return m
}

// Enqueue schedules a tile for upload. It waits at most EnqueueWait on a
// saturated queue, then drops.
func (m *Mirror) Enqueue(w tiles.Written) {
	if m == nil || m.client == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	m.enqueuedTotal.Add(1)

	select {
	case m.jobs <- w:
		return
	default:
	}

	m.queueSaturatedTotal.Add(1)
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- w:
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.printf("r2 mirror drop tile=%s reason=queue_saturated wait_ms=%d dropped_total=%d", w.ID, m.enqueueWait.Milliseconds(), dropped)
	}
}

// Close drains queued uploads and stops the workers. Retries still pending
// when timeout expires are abandoned.
func (m *Mirror) Close(timeout time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.jobs)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.cancel()
		<-done
	}
	m.cancel()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(w tiles.Written) {
	key, err := m.objectKey(w.Path)
	if err != nil {
		m.printf("r2 mirror skip tile=%s err=%v", w.ID, err)
		return
	}
	obj := Object{Key: key, LocalPath: w.Path, ContentType: "image/png", CacheControl: m.cacheControl}
	if err := m.uploadWithRetry(obj); err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.printf("r2 mirror upload failed key=%s err=%v", key, err)
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
}

func (m *Mirror) uploadWithRetry(obj Object) error {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(m.ctx, time.Minute)
		err := m.client.Put(ctx, obj)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == m.maxAttempts {
			break
		}
		backoff := time.Duration(attempt*attempt) * 200 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-m.ctx.Done():
			return fmt.Errorf("mirror closing: %w", lastErr)
		}
	}
	return lastErr
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	absBase, err := filepath.Abs(m.root)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside worlds root %s", absLocal, absBase)
	}
	if m.prefix != "" {
		return path.Join(m.prefix, rel), nil
	}
	return rel, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
