package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"mipmap.dev/internal/chunk"
)

func snap(dim string, x, z int) chunk.Snapshot {
	return chunk.New(dim, x, z, []chunk.Block{{Name: "stone", X: x * 16, Y: 60, Z: z * 16}})
}

func idleRasterizer() Rasterizer {
	return RasterizerFunc(func(ctx context.Context, s chunk.Snapshot) error { return nil })
}

func TestManager_AddTaskTwiceInsideWindowEnqueuesOnce(t *testing.T) {
	m := NewManager(Config{Workers: 1, DedupWindow: time.Minute}, idleRasterizer())

	d1, err := m.AddTask(snap("overworld", 1, 2))
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	d2, err := m.AddTask(snap("overworld", 1, 2))
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if d1 != 1 || d2 != 1 {
		t.Fatalf("depths=%d,%d want 1,1", d1, d2)
	}
	st := m.Stats()
	if st.AcceptedTotal != 1 || st.DedupDropTotal != 1 {
		t.Fatalf("accepted=%d dedup=%d", st.AcceptedTotal, st.DedupDropTotal)
	}
}

func TestManager_AddTaskAfterWindowEnqueuesAgain(t *testing.T) {
	m := NewManager(Config{Workers: 1, DedupWindow: 30 * time.Millisecond}, idleRasterizer())

	if d, _ := m.AddTask(snap("overworld", 1, 2)); d != 1 {
		t.Fatalf("depth=%d want 1", d)
	}
	time.Sleep(80 * time.Millisecond)
	if d, _ := m.AddTask(snap("overworld", 1, 2)); d != 2 {
		t.Fatalf("depth=%d want 2", d)
	}
}

func TestManager_DerivedKeyCoalescesWithExplicitKey(t *testing.T) {
	m := NewManager(Config{Workers: 1, DedupWindow: time.Minute}, idleRasterizer())

	if d, _ := m.AddTask(snap("overworld", -1, 3)); d != 1 {
		t.Fatalf("depth=%d want 1", d)
	}
	derived := chunk.Snapshot{
		Dimension: "overworld",
		Blocks:    []chunk.Block{{Name: "dirt", X: -3, Y: 70, Z: 50}, {Name: "dirt", X: -16, Y: 70, Z: 48}},
	}
	if d, _ := m.AddTask(derived); d != 1 {
		t.Fatalf("derived task should coalesce; depth=%d", d)
	}
	if _, err := m.AddTask(chunk.Snapshot{Dimension: "overworld"}); err == nil {
		t.Fatalf("expected error for chunk without position or blocks")
	}
}

func TestManager_DifferentDimensionsAreDistinct(t *testing.T) {
	m := NewManager(Config{Workers: 1, DedupWindow: time.Minute}, idleRasterizer())
	m.AddTask(snap("overworld", 0, 0))
	if d, _ := m.AddTask(snap("nether", 0, 0)); d != 2 {
		t.Fatalf("depth=%d want 2", d)
	}
}

func TestManager_QueueFullUnstampsKey(t *testing.T) {
	m := NewManager(Config{Workers: 1, QueueCapacity: 1, DedupWindow: time.Minute}, idleRasterizer())
	m.AddTask(snap("overworld", 0, 0))
	m.AddTask(snap("overworld", 0, 1))
	if st := m.Stats(); st.FullDropTotal != 1 {
		t.Fatalf("full drops=%d want 1", st.FullDropTotal)
	}
	if m.dedup.Observe(chunk.Key{Dimension: "overworld", X: 0, Z: 1}) {
		t.Fatalf("dropped key must not stay stamped")
	}
}

func TestDedupTracker_PrunesExpired(t *testing.T) {
	d := NewDedupTracker(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		d.Observe(chunk.Key{Dimension: "overworld", X: i})
	}
	if d.Len() != 5 {
		t.Fatalf("len=%d want 5", d.Len())
	}
	time.Sleep(50 * time.Millisecond)
	d.Observe(chunk.Key{Dimension: "overworld", X: 100})
	if d.Len() != 1 {
		t.Fatalf("len=%d want 1 after prune", d.Len())
	}
}

func TestDedupTracker_ZeroWindowDisables(t *testing.T) {
	d := NewDedupTracker(0)
	k := chunk.Key{Dimension: "overworld"}
	if d.Observe(k) || d.Observe(k) {
		t.Fatalf("zero window must never report duplicates")
	}
}

func TestWorkerPool_RendersEveryTask(t *testing.T) {
	var mu sync.Mutex
	seen := map[chunk.Key]int{}
	done := make(chan struct{}, 16)
	rast := RasterizerFunc(func(ctx context.Context, s chunk.Snapshot) error {
		k, _ := s.Key()
		mu.Lock()
		seen[k]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	m := NewManager(Config{Workers: 3, DedupWindow: time.Minute, DequeueTimeout: 20 * time.Millisecond}, rast)
	m.Start()
	defer m.Stop()

	for i := 0; i < 6; i++ {
		m.AddTask(snap("overworld", i, 0))
	}
	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for render %d", i)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 6 {
		t.Fatalf("rendered %d distinct chunks want 6", len(seen))
	}
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{}, 4)
	rast := RasterizerFunc(func(ctx context.Context, s chunk.Snapshot) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		done <- struct{}{}
		if n == 1 {
			panic("bad palette")
		}
		return nil
	})
	p := NewWorkerPool(PoolConfig{Workers: 1, DequeueTimeout: 20 * time.Millisecond}, rast)
	p.Start()
	defer p.Stop()

	p.Submit(snap("overworld", 0, 0))
	p.Submit(snap("overworld", 1, 0))
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("worker did not survive panic")
		}
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && p.Stats().RenderedTotal < 1 {
		time.Sleep(5 * time.Millisecond)
	}
	st := p.Stats()
	if st.RecoveredTotal != 1 || st.RenderedTotal != 1 {
		t.Fatalf("recovered=%d rendered=%d", st.RecoveredTotal, st.RenderedTotal)
	}
}

func TestWorkerPool_StopIsCooperative(t *testing.T) {
	p := NewWorkerPool(PoolConfig{Workers: 4, DequeueTimeout: time.Hour, StopTimeout: 2 * time.Second}, idleRasterizer())
	p.Start()

	start := time.Now()
	p.Stop()
	if el := time.Since(start); el > time.Second {
		t.Fatalf("sentinel stop took %s", el)
	}
	if st := p.Stats(); st.Workers != 0 || st.AbandonedTotal != 0 {
		t.Fatalf("stats after stop: %+v", st)
	}
}

func TestWorkerPool_StopBoundedWhenWorkerHangs(t *testing.T) {
	started := make(chan struct{})
	rast := RasterizerFunc(func(ctx context.Context, s chunk.Snapshot) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	p := NewWorkerPool(PoolConfig{Workers: 1, DequeueTimeout: 10 * time.Millisecond, StopTimeout: 50 * time.Millisecond}, rast)
	p.Start()
	p.Submit(snap("overworld", 0, 0))
	<-started

	start := time.Now()
	p.Stop()
	if el := time.Since(start); el > time.Second {
		t.Fatalf("stop not bounded: %s", el)
	}
	if st := p.Stats(); st.AbandonedTotal != 1 {
		t.Fatalf("abandoned=%d want 1", st.AbandonedTotal)
	}
}
