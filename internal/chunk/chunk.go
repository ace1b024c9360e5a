package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Size is the edge length of a chunk column in blocks.
const Size = 16

var ErrNoPosition = errors.New("chunk has no position and no blocks to derive it from")

// Key identifies a chunk across the whole pipeline.
type Key struct {
	Dimension string
	X         int
	Z         int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%d", k.Dimension, k.X, k.Z)
}

// Block is one surface block. On the wire it is {"name":..,"coordinates":[x,y,z]}.
type Block struct {
	Name string
	X    int
	Y    int
	Z    int
}

type blockWire struct {
	Name        string `json:"name"`
	Coordinates [3]int `json:"coordinates"`
}

func (b Block) MarshalJSON() ([]byte, error) {
	return json.Marshal(blockWire{Name: b.Name, Coordinates: [3]int{b.X, b.Y, b.Z}})
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var w blockWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.Name = w.Name
	b.X, b.Y, b.Z = w.Coordinates[0], w.Coordinates[1], w.Coordinates[2]
	return nil
}

// Snapshot is the surface of one chunk at the moment it was captured.
// ChunkX/ChunkZ are optional on intake; Key derives them from the blocks when absent.
type Snapshot struct {
	Dimension string  `json:"dimension"`
	ChunkX    *int    `json:"chunkX,omitempty"`
	ChunkZ    *int    `json:"chunkZ,omitempty"`
	Blocks    []Block `json:"blocks"`
}

func New(dimension string, cx, cz int, blocks []Block) Snapshot {
	return Snapshot{Dimension: dimension, ChunkX: &cx, ChunkZ: &cz, Blocks: blocks}
}

// Key returns the chunk identity. Missing coordinates are taken from the
// minimum block x/z, floored to the chunk grid.
func (s Snapshot) Key() (Key, error) {
	k := Key{Dimension: s.Dimension}
	if s.ChunkX != nil && s.ChunkZ != nil {
		k.X, k.Z = *s.ChunkX, *s.ChunkZ
		return k, nil
	}
	if len(s.Blocks) == 0 {
		return k, ErrNoPosition
	}
	minX, minZ := s.Blocks[0].X, s.Blocks[0].Z
	for _, b := range s.Blocks[1:] {
		if b.X < minX {
			minX = b.X
		}
		if b.Z < minZ {
			minZ = b.Z
		}
	}
	k.X = FloorDiv(minX, Size)
	k.Z = FloorDiv(minZ, Size)
	return k, nil
}

// Request is the upload envelope: {"chunk": {...}}.
type Request struct {
	Chunk Snapshot `json:"chunk"`
}

// FloorDiv divides rounding toward negative infinity, so block -1 lands in chunk -1.
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// FloorMod is the non-negative remainder matching FloorDiv.
func FloorMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
