package capture

import (
	"testing"

	"mipmap.dev/internal/chunk"
	"mipmap.dev/internal/config"
)

// columnWorld has the same stack of blocks in every column, top first.
type columnWorld struct {
	name  string
	top   int
	stack []string
}

func (w columnWorld) Name() string { return w.name }

func (w columnWorld) HighestBlockAt(x, z int) (string, int) { return w.stack[0], w.top }

func (w columnWorld) BlockAt(x, y, z int) string {
	i := w.top - y
	if i < 0 || i >= len(w.stack) {
		return "minecraft:stone"
	}
	return w.stack[i]
}

func TestScan_SkipsBlacklistedBlocks(t *testing.T) {
	cfg := config.DefaultPlugin()
	w := columnWorld{name: "Overworld", top: 64, stack: []string{"minecraft:water", "minecraft:water", "minecraft:sand"}}
	snap := NewScanner(cfg).Scan(w, -1, 2)

	if len(snap.Blocks) != chunk.Size*chunk.Size {
		t.Fatalf("blocks=%d want 256", len(snap.Blocks))
	}
	b := snap.Blocks[0]
	if b.Name != "minecraft:sand" || b.Y != 62 {
		t.Fatalf("first block=%+v want sand at y=62", b)
	}
	if b.X != -16 || b.Z != 32 {
		t.Fatalf("first block at (%d,%d) want (-16,32)", b.X, b.Z)
	}
	key, err := snap.Key()
	if err != nil || key != (chunk.Key{Dimension: "Overworld", X: -1, Z: 2}) {
		t.Fatalf("key=%v err=%v", key, err)
	}
}

func TestScan_StopsAtFloor(t *testing.T) {
	cfg := config.DefaultPlugin()
	cfg.Blacklist.Blocks = append(cfg.Blacklist.Blocks, "minecraft:stone")
	w := columnWorld{name: "TheEnd", top: -60, stack: []string{"minecraft:air"}}
	snap := NewScanner(cfg).Scan(w, 0, 0)
	if b := snap.Blocks[0]; b.Y != MinY {
		t.Fatalf("scan went to y=%d want floor %d", b.Y, MinY)
	}
}

func TestScan_AppliesDimensionAliases(t *testing.T) {
	cfg := config.DefaultPlugin()
	cfg.DimensionAliases = map[string]string{"Overworld": "overworld", "Nether": ""}
	s := NewScanner(cfg)
	if got := s.Scan(columnWorld{name: "Overworld", top: 70, stack: []string{"minecraft:grass_block"}}, 0, 0).Dimension; got != "overworld" {
		t.Fatalf("dimension=%q want overworld", got)
	}
	if got := s.Dimension("Nether"); got != "Nether" {
		t.Fatalf("empty alias should keep raw name, got %q", got)
	}
}
