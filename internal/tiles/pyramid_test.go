package tiles

import (
	"image"
	"image/color"
	"os"
	"sync"
	"testing"
)

func solid(size int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

var green = color.NRGBA{R: 0x5b, G: 0x8c, B: 0x32, A: 0xff}

func TestEnsureTile_ExistingTileIsCacheHit(t *testing.T) {
	store := NewStore(t.TempDir())
	m := NewMaterializer(store, 4, 64, nil)
	id := ID{Dimension: "overworld", Zoom: 2, X: 1, Y: 1}
	if err := store.Write(id, solid(64, green)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	before, _ := os.Stat(store.Path(id))

	if err := m.EnsureTile(id); err != nil {
		t.Fatalf("EnsureTile: %v", err)
	}
	st := m.Stats()
	if st.BuildsTotal != 0 || st.WritesTotal != 0 || st.CacheHits != 1 {
		t.Fatalf("stats=%+v", st)
	}
	after, _ := os.Stat(store.Path(id))
	if !after.ModTime().Equal(before.ModTime()) {
		t.Fatalf("existing tile was rewritten")
	}
}

func TestEnsureTile_NoChildrenWritesNothing(t *testing.T) {
	store := NewStore(t.TempDir())
	m := NewMaterializer(store, 4, 64, nil)
	id := ID{Dimension: "overworld", Zoom: 3, X: 0, Y: 0}

	if err := m.EnsureTile(id); err != nil {
		t.Fatalf("EnsureTile: %v", err)
	}
	if store.Exists(id) {
		t.Fatalf("blank tile must not be written")
	}
	if st := m.Stats(); st.BlankTotal != 1 || st.WritesTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}

	// Once a child appears the tile is built.
	if err := store.Write(id.Child(0, 0), solid(64, green)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.EnsureTile(id); err != nil {
		t.Fatalf("EnsureTile: %v", err)
	}
	if !store.Exists(id) {
		t.Fatalf("tile not written after child appeared")
	}
}

func TestEnsureTile_FourOpaqueChildrenFillCanvas(t *testing.T) {
	store := NewStore(t.TempDir())
	m := NewMaterializer(store, 4, 64, nil)
	id := ID{Dimension: "overworld", Zoom: 3, X: 2, Y: -1}
	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 2; dx++ {
			if err := store.Write(id.Child(dx, dy), solid(64, green)); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
	}
	if err := m.EnsureTile(id); err != nil {
		t.Fatalf("EnsureTile: %v", err)
	}
	img, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	nrgba := toNRGBA(img)
	if got, want := opaqueBounds(nrgba), image.Rect(0, 0, 64, 64); got != want {
		t.Fatalf("opaque bounds=%v want %v", got, want)
	}
}

func TestEnsureTile_ThreeOfFourChildren(t *testing.T) {
	store := NewStore(t.TempDir())
	m := NewMaterializer(store, 4, 64, nil)
	for _, xy := range [][2]int{{10, 10}, {11, 10}, {10, 11}} {
		if err := store.Write(ID{Dimension: "overworld", Zoom: 4, X: xy[0], Y: xy[1]}, solid(64, green)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	id := ID{Dimension: "overworld", Zoom: 3, X: 5, Y: 5}
	if err := m.EnsureTile(id); err != nil {
		t.Fatalf("EnsureTile: %v", err)
	}
	img, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	nrgba := toNRGBA(img)
	for _, tc := range []struct {
		x, y   int
		opaque bool
	}{
		{16, 16, true},
		{48, 16, true},
		{16, 48, true},
		{48, 48, false},
	} {
		a := nrgba.NRGBAAt(tc.x, tc.y).A
		if (a != 0) != tc.opaque {
			t.Fatalf("pixel (%d,%d) alpha=%d want opaque=%v", tc.x, tc.y, a, tc.opaque)
		}
	}
}

func TestEnsureTile_RecursesThroughMissingLevels(t *testing.T) {
	store := NewStore(t.TempDir())
	m := NewMaterializer(store, 4, 64, nil)
	if err := store.Write(ID{Dimension: "nether", Zoom: 4, X: 0, Y: 0}, solid(64, green)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := m.EnsureTile(ID{Dimension: "nether", Zoom: 1, X: 0, Y: 0}); err != nil {
		t.Fatalf("EnsureTile: %v", err)
	}
	for z := 1; z <= 3; z++ {
		if !store.Exists(ID{Dimension: "nether", Zoom: z}) {
			t.Fatalf("zoom %d tile missing", z)
		}
	}
}

func TestEnsureTile_BaseZoomIsNoop(t *testing.T) {
	store := NewStore(t.TempDir())
	m := NewMaterializer(store, 4, 64, nil)
	if err := m.EnsureTile(ID{Dimension: "overworld", Zoom: 4}); err != nil {
		t.Fatalf("EnsureTile: %v", err)
	}
	if err := m.EnsureTile(ID{Dimension: "overworld", Zoom: 9}); err != nil {
		t.Fatalf("EnsureTile: %v", err)
	}
	if st := m.Stats(); st.BuildsTotal != 0 {
		t.Fatalf("builds=%d want 0", st.BuildsTotal)
	}
}

func TestEnsureTile_RejectsBadDimension(t *testing.T) {
	m := NewMaterializer(NewStore(t.TempDir()), 4, 64, nil)
	if err := m.EnsureTile(ID{Dimension: "../etc", Zoom: 1}); err != ErrBadDimension {
		t.Fatalf("err=%v want ErrBadDimension", err)
	}
}

func TestEnsureTile_ConcurrentCallersAgree(t *testing.T) {
	store := NewStore(t.TempDir())
	m := NewMaterializer(store, 4, 64, nil)
	if err := store.Write(ID{Dimension: "overworld", Zoom: 4, X: 1, Y: 1}, solid(64, green)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	id := ID{Dimension: "overworld", Zoom: 3, X: 0, Y: 0}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.EnsureTile(id)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureTile: %v", err)
		}
	}
	if _, err := store.Load(id); err != nil {
		t.Fatalf("Load after concurrent builds: %v", err)
	}
}

func toNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}
