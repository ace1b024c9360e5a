package ingest

import (
	"time"

	"github.com/patrickmn/go-cache"

	"mipmap.dev/internal/chunk"
)

// DedupTracker remembers chunk keys for a sliding window so repeated reports
// of the same chunk coalesce into one render task.
type DedupTracker struct {
	window time.Duration
	recent *cache.Cache
}

func NewDedupTracker(window time.Duration) *DedupTracker {
	// No janitor goroutine: expired keys are pruned inline by Observe.
	return &DedupTracker{
		window: window,
		recent: cache.New(window, 0),
	}
}

// Observe prunes expired keys and reports whether key was already seen inside
// the window. A key that was not seen is stamped with the current time.
func (d *DedupTracker) Observe(key chunk.Key) (duplicate bool) {
	if d.window <= 0 {
		return false
	}
	d.recent.DeleteExpired()
	if err := d.recent.Add(key.String(), time.Now(), d.window); err != nil {
		return true
	}
	return false
}

// Forget drops a key so the next observation is treated as new.
func (d *DedupTracker) Forget(key chunk.Key) {
	d.recent.Delete(key.String())
}

// Len is the number of keys currently tracked, including any not yet pruned.
func (d *DedupTracker) Len() int {
	return d.recent.ItemCount()
}
