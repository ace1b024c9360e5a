package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/semaphore"

	"mipmap.dev/internal/chunk"
)

const (
	DefaultMaxConcurrency = 4
	DefaultTimeout        = 5 * time.Second
	DefaultIdleWait       = 100 * time.Millisecond
)

type Config struct {
	URL            string
	MaxConcurrency int
	// Timeout bounds one request end to end.
	Timeout time.Duration
	// IdleWait is how long an empty queue is waited on before shutdown is re-checked.
	IdleWait time.Duration
	// DrainTimeout bounds the wait for in-flight requests when Run returns.
	DrainTimeout time.Duration
	// Compression is "none" or "zstd".
	Compression string
	Client      *http.Client
	Logger      *log.Logger
}

// Uploader posts chunk snapshots to the intake endpoint with at most
// MaxConcurrency requests outstanding. Every dispatched snapshot yields
// exactly one Result; there is no retry here.
type Uploader struct {
	url          string
	timeout      time.Duration
	idleWait     time.Duration
	drainTimeout time.Duration
	client       *http.Client
	logger       *log.Logger
	encoder      *zstd.Encoder

	sem      *semaphore.Weighted
	maxSlots int64
	results  chan<- Result
	wg       sync.WaitGroup

	inFlight        atomic.Int64
	maxInFlight     atomic.Int64
	dispatchedTotal atomic.Uint64
	successTotal    atomic.Uint64
	networkTotal    atomic.Uint64
	protocolTotal   atomic.Uint64
	timeoutTotal    atomic.Uint64
	panicTotal      atomic.Uint64
	lostResults     atomic.Uint64
	bytesSent       atomic.Uint64
}

func New(cfg Config, results chan<- Result) (*Uploader, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("uploader: url is required")
	}
	if results == nil {
		return nil, fmt.Errorf("uploader: results channel is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = DefaultIdleWait
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = cfg.Timeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	u := &Uploader{
		url:          url,
		timeout:      cfg.Timeout,
		idleWait:     cfg.IdleWait,
		drainTimeout: cfg.DrainTimeout,
		client:       cfg.Client,
		logger:       cfg.Logger,
		sem:          semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		maxSlots:     int64(cfg.MaxConcurrency),
		results:      results,
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Compression)) {
	case "", "none":
	case "zstd":
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("uploader: zstd encoder: %w", err)
		}
		u.encoder = enc
	default:
		return nil, fmt.Errorf("uploader: unsupported compression %q", cfg.Compression)
	}
	return u, nil
}

// Run drains queue until ctx is cancelled or queue is closed. A slot is
// taken before each dequeue, so at most MaxConcurrency snapshots are ever
// held outside the queue. On return, in-flight requests are cancelled via
// ctx and waited on for at most DrainTimeout.
func (u *Uploader) Run(ctx context.Context, queue <-chan chunk.Snapshot) error {
	defer u.drain()
	for {
		if err := u.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		snap, ok := u.next(ctx, queue)
		if !ok {
			u.sem.Release(1)
			return nil
		}
		u.dispatch(ctx, snap)
	}
}

// next blocks for the next snapshot, waking every idleWait to re-check ctx.
func (u *Uploader) next(ctx context.Context, queue <-chan chunk.Snapshot) (chunk.Snapshot, bool) {
	for {
		timer := time.NewTimer(u.idleWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return chunk.Snapshot{}, false
		case snap, ok := <-queue:
			timer.Stop()
			return snap, ok
		case <-timer.C:
			if ctx.Err() != nil {
				return chunk.Snapshot{}, false
			}
		}
	}
}

func (u *Uploader) dispatch(ctx context.Context, snap chunk.Snapshot) {
	u.dispatchedTotal.Add(1)
	n := u.inFlight.Add(1)
	for {
		cur := u.maxInFlight.Load()
		if n <= cur || u.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		defer u.sem.Release(1)
		defer u.inFlight.Add(-1)

		res := u.send(ctx, snap)
		u.count(res)
		select {
		case u.results <- res:
		case <-ctx.Done():
			u.lostResults.Add(1)
		}
	}()
}

func (u *Uploader) send(ctx context.Context, snap chunk.Snapshot) (res Result) {
	key, _ := snap.Key()
	res = Result{Status: StatusError, Key: key, Failure: FailureProtocol}
	defer func() {
		if r := recover(); r != nil {
			u.panicTotal.Add(1)
			u.printf("upload panic chunk=%s err=%v", key, r)
			res = Result{Status: StatusError, Key: key, Failure: FailureProtocol}
		}
	}()

	body, err := json.Marshal(chunk.Request{Chunk: snap})
	if err != nil {
		u.printf("upload encode failed chunk=%s err=%v", key, err)
		return res
	}
	if u.encoder != nil {
		body = u.encoder.EncodeAll(body, make([]byte, 0, len(body)/2))
	}

	rctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, u.url, bytes.NewReader(body))
	if err != nil {
		u.printf("upload request failed chunk=%s err=%v", key, err)
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	if u.encoder != nil {
		req.Header.Set("Content-Encoding", "zstd")
	}

	resp, err := u.client.Do(req)
	if err != nil {
		res.Failure = classify(rctx, ctx, err)
		u.printf("upload %s error chunk=%s err=%v", res.Failure, key, err)
		return res
	}
	defer resp.Body.Close()
	u.bytesSent.Add(uint64(len(body)))

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		u.printf("upload http error status=%d chunk=%s body=%s", resp.StatusCode, key, strings.TrimSpace(string(snippet)))
		return res
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return Result{Status: StatusSuccess, Key: key}
}

func classify(reqCtx, runCtx context.Context, err error) FailureKind {
	if runCtx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return FailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FailureTimeout
	}
	return FailureNetwork
}

func (u *Uploader) count(r Result) {
	if r.Status == StatusSuccess {
		u.successTotal.Add(1)
		return
	}
	switch r.Failure {
	case FailureNetwork:
		u.networkTotal.Add(1)
	case FailureTimeout:
		u.timeoutTotal.Add(1)
	default:
		u.protocolTotal.Add(1)
	}
}

func (u *Uploader) drain() {
	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(u.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		u.printf("uploader stop timed out in_flight=%d", u.inFlight.Load())
	}
}

// Close releases the compression encoder. Call after Run has returned.
func (u *Uploader) Close() {
	if u.encoder != nil {
		_ = u.encoder.Close()
	}
}

type Stats struct {
	MaxConcurrency  int64
	InFlight        int64
	MaxInFlight     int64
	DispatchedTotal uint64
	SuccessTotal    uint64
	NetworkTotal    uint64
	ProtocolTotal   uint64
	TimeoutTotal    uint64
	PanicTotal      uint64
	LostResults     uint64
	BytesSent       uint64
}

func (u *Uploader) Stats() Stats {
	return Stats{
		MaxConcurrency:  u.maxSlots,
		InFlight:        u.inFlight.Load(),
		MaxInFlight:     u.maxInFlight.Load(),
		DispatchedTotal: u.dispatchedTotal.Load(),
		SuccessTotal:    u.successTotal.Load(),
		NetworkTotal:    u.networkTotal.Load(),
		ProtocolTotal:   u.protocolTotal.Load(),
		TimeoutTotal:    u.timeoutTotal.Load(),
		PanicTotal:      u.panicTotal.Load(),
		LostResults:     u.lostResults.Load(),
		BytesSent:       u.bytesSent.Load(),
	}
}

func (u *Uploader) printf(format string, args ...any) {
	if u.logger != nil {
		u.logger.Printf(format, args...)
	}
}
