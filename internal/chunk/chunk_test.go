package chunk

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestSnapshotKey_ExplicitPosition(t *testing.T) {
	s := New("overworld", 3, -2, []Block{{Name: "stone", X: 999, Y: 1, Z: 999}})
	k, err := s.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if k != (Key{Dimension: "overworld", X: 3, Z: -2}) {
		t.Fatalf("key=%v", k)
	}
}

func TestSnapshotKey_DerivedFromMinimumBlock(t *testing.T) {
	s := Snapshot{
		Dimension: "nether",
		Blocks: []Block{
			{Name: "netherrack", X: -1, Y: 40, Z: 20},
			{Name: "netherrack", X: -16, Y: 41, Z: 31},
			{Name: "netherrack", X: -5, Y: 42, Z: 17},
		},
	}
	k, err := s.Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if k.X != -1 || k.Z != 1 {
		t.Fatalf("derived key=%v want x=-1 z=1", k)
	}
}

func TestSnapshotKey_NoBlocksNoPosition(t *testing.T) {
	_, err := Snapshot{Dimension: "end"}.Key()
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("err=%v want ErrNoPosition", err)
	}
}

func TestBlockWireFormat(t *testing.T) {
	b, err := json.Marshal(Block{Name: "grass_block", X: 1, Y: 64, Z: -3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"name":"grass_block","coordinates":[1,64,-3]}` {
		t.Fatalf("wire=%s", b)
	}
}

func TestFloorDivMod(t *testing.T) {
	cases := []struct{ a, div, mod int }{
		{0, 0, 0},
		{15, 0, 15},
		{16, 1, 0},
		{-1, -1, 15},
		{-16, -1, 0},
		{-17, -2, 15},
	}
	for _, c := range cases {
		if got := FloorDiv(c.a, Size); got != c.div {
			t.Fatalf("FloorDiv(%d)=%d want %d", c.a, got, c.div)
		}
		if got := FloorMod(c.a, Size); got != c.mod {
			t.Fatalf("FloorMod(%d)=%d want %d", c.a, got, c.mod)
		}
	}
}

func TestDecodeRequest(t *testing.T) {
	body := []byte(`{"chunk":{"dimension":"overworld","chunkX":1,"chunkZ":2,"blocks":[{"name":"sand","coordinates":[16,62,32]}]}}`)
	s, err := DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	if s.Dimension != "overworld" || *s.ChunkX != 1 || *s.ChunkZ != 2 {
		t.Fatalf("decoded=%+v", s)
	}
	if len(s.Blocks) != 1 || s.Blocks[0] != (Block{Name: "sand", X: 16, Y: 62, Z: 32}) {
		t.Fatalf("blocks=%+v", s.Blocks)
	}
}

func TestDecodeRequest_RejectsInvalid(t *testing.T) {
	bad := []string{
		`{}`,
		`{"chunk":{"blocks":[]}}`,
		`{"chunk":{"dimension":"../etc","blocks":[]}}`,
		`{"chunk":{"dimension":"overworld","blocks":[{"name":"a","coordinates":[1,2]}]}}`,
		`{"chunk":{"dimension":"overworld","chunkX":1.5,"blocks":[]}}`,
		`not json`,
	}
	for _, b := range bad {
		if _, err := DecodeRequest([]byte(b)); err == nil {
			t.Fatalf("expected error for %s", b)
		}
	}
}

func TestDecodeRequest_KeepsLargeIntegers(t *testing.T) {
	body := []byte(`{"chunk":{"dimension":"overworld","chunkX":1874999,"chunkZ":-1875000,"blocks":[{"name":"minecraft:stone","coordinates":[29999999,319,-30000000]}]}}`)
	s, err := DecodeRequest(body)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}
	k, err := s.Key()
	if err != nil || k.X != 1874999 || k.Z != -1875000 {
		t.Fatalf("key=%v err=%v", k, err)
	}
	if b := s.Blocks[0]; b.X != 29999999 || b.Y != 319 || b.Z != -30000000 {
		t.Fatalf("block=%+v", b)
	}
}
