package tiles

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_WriteNotifiesHooks(t *testing.T) {
	store := NewStore(t.TempDir())
	var got []Written
	store.OnWrite(func(w Written) { got = append(got, w) })

	id := ID{Dimension: "the_end", Zoom: 0, X: 0, Y: 0}
	if err := store.Write(id, solid(16, green)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(got) != 1 || got[0].ID != id || got[0].Bytes == 0 {
		t.Fatalf("hook calls=%+v", got)
	}
	data, err := store.ReadFile(id)
	if err != nil || len(data) != got[0].Bytes {
		t.Fatalf("ReadFile len=%d err=%v", len(data), err)
	}
}

func TestStore_NoTempFilesLeft(t *testing.T) {
	store := NewStore(t.TempDir())
	id := ID{Dimension: "overworld", Zoom: 2, X: 3, Y: -4}
	for i := 0; i < 3; i++ {
		if err := store.Write(id, solid(16, green)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	entries, err := os.ReadDir(filepath.Dir(store.Path(id)))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "(3)-(-4).png" {
		t.Fatalf("entries=%v", entries)
	}
}

func TestStore_RejectsTraversal(t *testing.T) {
	store := NewStore(t.TempDir())
	bad := ID{Dimension: "../../etc", Zoom: 0}
	if store.Exists(bad) {
		t.Fatalf("Exists accepted bad dimension")
	}
	if err := store.Write(bad, solid(16, green)); err != ErrBadDimension {
		t.Fatalf("Write err=%v", err)
	}
	if _, err := store.ReadFile(bad); err != ErrBadDimension {
		t.Fatalf("ReadFile err=%v", err)
	}
}

func TestStore_LoadMissingIsNotExist(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Load(ID{Dimension: "overworld", Zoom: 1}); !os.IsNotExist(err) {
		t.Fatalf("err=%v want not-exist", err)
	}
}

func TestStore_WalkFindsTiles(t *testing.T) {
	store := NewStore(t.TempDir())
	want := map[ID]bool{
		{Dimension: "overworld", Zoom: 4, X: -3, Y: 4}: true,
		{Dimension: "overworld", Zoom: 0, X: 0, Y: 0}:  true,
		{Dimension: "nether", Zoom: 2, X: 1, Y: -1}:    true,
	}
	for id := range want {
		if err := store.Write(id, solid(16, green)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(store.Root(), "overworld", "tiles", "zoom-4", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got := map[ID]bool{}
	if err := store.Walk(func(w Written) error {
		got[w.ID] = true
		return nil
	}); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("walked %v want %v", got, want)
	}
	for id := range want {
		if !got[id] {
			t.Fatalf("missing %s", id)
		}
	}
	dims, err := store.Dimensions()
	if err != nil || len(dims) != 2 {
		t.Fatalf("dimensions=%v err=%v", dims, err)
	}
}
