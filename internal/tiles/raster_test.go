package tiles

import (
	"context"
	"path/filepath"
	"testing"

	"mipmap.dev/internal/chunk"
)

func TestChunkRenderer_WritesBaseTileAtChunkCoords(t *testing.T) {
	store := NewStore(t.TempDir())
	r := NewChunkRenderer(store, 4, 64)
	snap := chunk.New("overworld", -2, 7, []chunk.Block{
		{Name: "minecraft:grass_block", X: -32, Y: 64, Z: 112},
		{Name: "minecraft:water", X: -17, Y: 62, Z: 127},
	})
	if err := r.RenderChunk(context.Background(), snap); err != nil {
		t.Fatalf("RenderChunk: %v", err)
	}
	id := ID{Dimension: "overworld", Zoom: 4, X: -2, Y: 7}
	want := filepath.Join(store.Root(), "overworld", "tiles", "zoom-4", "(-2)-(7).png")
	if store.Path(id) != want {
		t.Fatalf("path=%s want %s", store.Path(id), want)
	}
	img, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	n := toNRGBA(img)
	// cell size is 64/16 = 4px
	if n.NRGBAAt(0, 0).A == 0 {
		t.Fatalf("grass cell should be painted")
	}
	if n.NRGBAAt(63, 63).A == 0 {
		t.Fatalf("water cell should be painted")
	}
	if n.NRGBAAt(32, 32).A != 0 {
		t.Fatalf("empty column should stay transparent")
	}
}

func TestChunkRenderer_HighestBlockWins(t *testing.T) {
	r := NewChunkRenderer(NewStore(t.TempDir()), 4, 16)
	img := r.Paint([]chunk.Block{
		{Name: "stone", X: 0, Y: 80, Z: 0},
		{Name: "sand", X: 0, Y: 40, Z: 0},
	})
	if got, want := img.NRGBAAt(0, 0), shade(BlockColor("stone"), 80); got != want {
		t.Fatalf("color=%v want %v", got, want)
	}
}

func TestChunkRenderer_AirIsTransparent(t *testing.T) {
	r := NewChunkRenderer(NewStore(t.TempDir()), 4, 16)
	img := r.Paint([]chunk.Block{{Name: "minecraft:air", X: 3, Y: 70, Z: 3}})
	if img.NRGBAAt(3, 3).A != 0 {
		t.Fatalf("air must not be painted")
	}
}

func TestBlockColor_StableFallback(t *testing.T) {
	a := BlockColor("mod:unobtainium_ore")
	b := BlockColor("unobtainium_ore")
	if a != b || a.A != 0xff {
		t.Fatalf("fallback colors %v %v", a, b)
	}
	if BlockColor("minecraft:STONE") != palette["stone"] {
		t.Fatalf("lookup should ignore namespace and case")
	}
}
