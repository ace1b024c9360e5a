package capture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"mipmap.dev/internal/chunk"
)

const air = "minecraft:air"

// DumpBlock is one line of a block dump: a single non-air block of an
// exported world.
type DumpBlock struct {
	Dimension string `json:"dimension"`
	Name      string `json:"name"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Z         int    `json:"z"`
}

type column struct {
	top    int
	blocks map[int]string
}

// Dump is an in-memory world loaded from JSON lines of DumpBlock.
type Dump struct {
	dims map[string]*DumpWorld
}

// DumpWorld serves one dimension of a Dump. It satisfies World.
type DumpWorld struct {
	name    string
	columns map[[2]int]*column
}

func ReadDump(r io.Reader) (*Dump, error) {
	d := &Dump{dims: map[string]*DumpWorld{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var b DumpBlock
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("dump line %d: %w", line, err)
		}
		if b.Dimension == "" || b.Name == "" {
			return nil, fmt.Errorf("dump line %d: dimension and name are required", line)
		}
		d.add(b)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dump) add(b DumpBlock) {
	w := d.dims[b.Dimension]
	if w == nil {
		w = &DumpWorld{name: b.Dimension, columns: map[[2]int]*column{}}
		d.dims[b.Dimension] = w
	}
	k := [2]int{b.X, b.Z}
	c := w.columns[k]
	if c == nil {
		c = &column{top: b.Y, blocks: map[int]string{}}
		w.columns[k] = c
	}
	c.blocks[b.Y] = b.Name
	if b.Y > c.top {
		c.top = b.Y
	}
}

// Dimensions lists the raw dimension names present in the dump.
func (d *Dump) Dimensions() []string {
	out := make([]string, 0, len(d.dims))
	for name := range d.dims {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Dump) World(dimension string) (*DumpWorld, bool) {
	w, ok := d.dims[dimension]
	return w, ok
}

func (w *DumpWorld) Name() string { return w.name }

func (w *DumpWorld) HighestBlockAt(x, z int) (string, int) {
	c := w.columns[[2]int{x, z}]
	if c == nil {
		return air, MinY
	}
	return c.blocks[c.top], c.top
}

func (w *DumpWorld) BlockAt(x, y, z int) string {
	c := w.columns[[2]int{x, z}]
	if c == nil {
		return air
	}
	if name, ok := c.blocks[y]; ok {
		return name
	}
	return air
}

// Chunks lists every chunk with at least one block, ordered by x then z.
func (w *DumpWorld) Chunks() [][2]int {
	seen := map[[2]int]struct{}{}
	for k := range w.columns {
		seen[[2]int{chunk.FloorDiv(k[0], chunk.Size), chunk.FloorDiv(k[1], chunk.Size)}] = struct{}{}
	}
	out := make([][2]int, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}
