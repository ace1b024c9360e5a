// Package capture builds surface snapshots of chunk columns from a live world.
package capture

import (
	"mipmap.dev/internal/chunk"
	"mipmap.dev/internal/config"
)

// MinY is the lowest block layer; the surface scan never steps below it.
const MinY = -64

// World is the read access the scanner needs from the game server.
type World interface {
	// Name is the engine's dimension name.
	Name() string
	// HighestBlockAt returns the top non-empty block of column (x, z).
	HighestBlockAt(x, z int) (name string, y int)
	BlockAt(x, y, z int) string
}

type Scanner struct {
	cfg       config.Plugin
	blacklist map[string]struct{}
}

func NewScanner(cfg config.Plugin) *Scanner {
	s := &Scanner{
		cfg:       cfg,
		blacklist: make(map[string]struct{}, len(cfg.Blacklist.Blocks)),
	}
	for _, b := range cfg.Blacklist.Blocks {
		s.blacklist[b] = struct{}{}
	}
	return s
}

func (s *Scanner) Dimension(raw string) string {
	return s.cfg.NormalizeDimension(raw)
}

// Scan captures the visible surface of chunk (cx, cz): one block per column,
// stepping down past blacklisted blocks while above MinY.
func (s *Scanner) Scan(w World, cx, cz int) chunk.Snapshot {
	x0, z0 := cx*chunk.Size, cz*chunk.Size
	blocks := make([]chunk.Block, 0, chunk.Size*chunk.Size)
	for x := x0; x < x0+chunk.Size; x++ {
		for z := z0; z < z0+chunk.Size; z++ {
			name, y := w.HighestBlockAt(x, z)
			for s.blacklisted(name) && y > MinY {
				y--
				name = w.BlockAt(x, y, z)
			}
			blocks = append(blocks, chunk.Block{Name: name, X: x, Y: y, Z: z})
		}
	}
	return chunk.New(s.Dimension(w.Name()), cx, cz, blocks)
}

func (s *Scanner) blacklisted(name string) bool {
	_, ok := s.blacklist[name]
	return ok
}
