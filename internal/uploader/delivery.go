package uploader

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"mipmap.dev/internal/chunk"
)

var (
	ErrAlreadyTracked = errors.New("chunk already pending or sent")
	ErrQueueFull      = errors.New("upload queue full")
)

// Unbounded configurations still need a finite channel.
const defaultQueueCapacity = 1 << 16

type Status int

const (
	StatusSuccess Status = iota
	StatusError
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "error"
}

type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureNetwork
	FailureProtocol
	FailureTimeout
)

func (k FailureKind) String() string {
	switch k {
	case FailureNetwork:
		return "network"
	case FailureProtocol:
		return "protocol"
	case FailureTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// Result is reported exactly once per dispatched upload.
type Result struct {
	Status  Status
	Key     chunk.Key
	Failure FailureKind
}

// State is where a key sits in the delivery lifecycle.
type State int

const (
	StateAbsent State = iota
	StatePending
	StateSent
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	default:
		return "absent"
	}
}

// Tracker owns the pending and sent sets and the upload queue feeding the
// uploader. A key is never in both sets. Offer never blocks.
type Tracker struct {
	mu      sync.Mutex
	pending map[chunk.Key]struct{}
	sent    map[chunk.Key]struct{}

	queue  chan chunk.Snapshot
	logger *log.Logger

	offeredTotal  atomic.Uint64
	trackedTotal  atomic.Uint64
	fullDropTotal atomic.Uint64
	successTotal  atomic.Uint64
	errorTotal    atomic.Uint64
}

// NewTracker builds a tracker whose queue holds at most maxQueueSize
// snapshots. A non-positive size means effectively unbounded.
func NewTracker(maxQueueSize int, logger *log.Logger) *Tracker {
	if maxQueueSize <= 0 {
		maxQueueSize = defaultQueueCapacity
	}
	return &Tracker{
		pending: map[chunk.Key]struct{}{},
		sent:    map[chunk.Key]struct{}{},
		queue:   make(chan chunk.Snapshot, maxQueueSize),
		logger:  logger,
	}
}

// Queue is the receive side handed to Uploader.Run.
func (t *Tracker) Queue() <-chan chunk.Snapshot { return t.queue }

func (t *Tracker) Offer(snap chunk.Snapshot) error {
	key, err := snap.Key()
	if err != nil {
		return err
	}
	t.offeredTotal.Add(1)

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[key]; ok {
		t.trackedTotal.Add(1)
		return ErrAlreadyTracked
	}
	if _, ok := t.sent[key]; ok {
		t.trackedTotal.Add(1)
		return ErrAlreadyTracked
	}
	t.pending[key] = struct{}{}
	select {
	case t.queue <- snap:
		return nil
	default:
	}
	delete(t.pending, key)
	dropped := t.fullDropTotal.Add(1)
	t.printf("upload queue full; drop chunk=%s capacity=%d dropped_total=%d", key, cap(t.queue), dropped)
	return ErrQueueFull
}

// Apply folds one upload result into the sets. Success moves the key to
// sent; error clears it so the chunk can be offered again.
func (t *Tracker) Apply(r Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, r.Key)
	if r.Status == StatusSuccess {
		t.sent[r.Key] = struct{}{}
		t.successTotal.Add(1)
		return
	}
	t.errorTotal.Add(1)
	t.printf("upload failed chunk=%s kind=%s", r.Key, r.Failure)
}

// DrainResults applies every result currently buffered in results without
// blocking and returns how many were applied.
func (t *Tracker) DrainResults(results <-chan Result) int {
	n := 0
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return n
			}
			t.Apply(r)
			n++
		default:
			return n
		}
	}
}

func (t *Tracker) State(key chunk.Key) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[key]; ok {
		return StatePending
	}
	if _, ok := t.sent[key]; ok {
		return StateSent
	}
	return StateAbsent
}

type TrackerStats struct {
	Pending       int
	Sent          int
	QueueDepth    int
	QueueCapacity int
	OfferedTotal  uint64
	TrackedTotal  uint64
	FullDropTotal uint64
	SuccessTotal  uint64
	ErrorTotal    uint64
}

func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	pending, sent := len(t.pending), len(t.sent)
	t.mu.Unlock()
	return TrackerStats{
		Pending:       pending,
		Sent:          sent,
		QueueDepth:    len(t.queue),
		QueueCapacity: cap(t.queue),
		OfferedTotal:  t.offeredTotal.Load(),
		TrackedTotal:  t.trackedTotal.Load(),
		FullDropTotal: t.fullDropTotal.Load(),
		SuccessTotal:  t.successTotal.Load(),
		ErrorTotal:    t.errorTotal.Load(),
	}
}

func (t *Tracker) printf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf(format, args...)
	}
}
