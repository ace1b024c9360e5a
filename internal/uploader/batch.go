package uploader

import (
	"fmt"
	"sync"

	"mipmap.dev/internal/chunk"
)

// Region is an inclusive rectangle of chunk coordinates.
type Region struct {
	MinX, MinZ int
	MaxX, MaxZ int
}

func (r Region) Contains(x, z int) bool {
	return x >= r.MinX && x <= r.MaxX && z >= r.MinZ && z <= r.MaxZ
}

func (r Region) Chunks() int {
	if r.MaxX < r.MinX || r.MaxZ < r.MinZ {
		return 0
	}
	return (r.MaxX - r.MinX + 1) * (r.MaxZ - r.MinZ + 1)
}

// ParseRegion reads "minX,minZ,maxX,maxZ" and orders the corners.
func ParseRegion(s string) (Region, error) {
	var r Region
	if _, err := fmt.Sscanf(s, "%d,%d,%d,%d", &r.MinX, &r.MinZ, &r.MaxX, &r.MaxZ); err != nil {
		return Region{}, fmt.Errorf("region %q: want minX,minZ,maxX,maxZ: %w", s, err)
	}
	if r.MinX > r.MaxX {
		r.MinX, r.MaxX = r.MaxX, r.MinX
	}
	if r.MinZ > r.MaxZ {
		r.MinZ, r.MaxZ = r.MaxZ, r.MinZ
	}
	return r, nil
}

// BatchTracker reports progress of a bulk map load over one region. Only
// successful deliveries inside the region count, each chunk once.
type BatchTracker struct {
	mu        sync.Mutex
	region    Region
	active    bool
	processed map[[2]int]struct{}
}

func NewBatchTracker() *BatchTracker {
	return &BatchTracker{processed: map[[2]int]struct{}{}}
}

func (b *BatchTracker) Start(r Region) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.region = r
	b.active = true
	b.processed = map[[2]int]struct{}{}
}

// Observe counts a delivery result toward the active batch.
func (b *BatchTracker) Observe(res Result) {
	if res.Status != StatusSuccess {
		return
	}
	b.ChunkProcessed(res.Key)
}

func (b *BatchTracker) ChunkProcessed(k chunk.Key) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active || !b.region.Contains(k.X, k.Z) {
		return
	}
	b.processed[[2]int{k.X, k.Z}] = struct{}{}
}

type BatchStatus struct {
	Active    bool
	Region    Region
	Processed int
	Total     int
}

func (s BatchStatus) Done() bool {
	return s.Active && s.Processed >= s.Total
}

func (s BatchStatus) String() string {
	if !s.Active {
		return "no batch"
	}
	pct := 100.0
	if s.Total > 0 {
		pct = float64(s.Processed) * 100 / float64(s.Total)
	}
	return fmt.Sprintf("batch region=%d,%d..%d,%d processed=%d/%d (%.1f%%)",
		s.Region.MinX, s.Region.MinZ, s.Region.MaxX, s.Region.MaxZ, s.Processed, s.Total, pct)
}

func (b *BatchTracker) Status() BatchStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BatchStatus{Active: b.active, Region: b.region, Processed: len(b.processed), Total: b.region.Chunks()}
}
