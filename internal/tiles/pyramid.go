package tiles

import (
	"image"
	"log"
	"os"
	"sync/atomic"

	"golang.org/x/image/draw"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseZoom = 4
	DefaultSize     = 256
)

// Materializer builds coarser tiles on demand from their four children and
// keeps the result on disk. Base-zoom tiles are never synthesized here.
type Materializer struct {
	store    *Store
	baseZoom int
	size     int
	logger   *log.Logger

	// Coalesces concurrent builds of the same tile path.
	group singleflight.Group

	buildsTotal  atomic.Uint64
	writesTotal  atomic.Uint64
	blankTotal   atomic.Uint64
	cacheHits    atomic.Uint64
	decodeErrors atomic.Uint64
}

func NewMaterializer(store *Store, baseZoom, size int, logger *log.Logger) *Materializer {
	if size <= 0 {
		size = DefaultSize
	}
	return &Materializer{store: store, baseZoom: baseZoom, size: size, logger: logger}
}

func (m *Materializer) BaseZoom() int { return m.baseZoom }

// EnsureTile makes sure the tile at id exists on disk if it can be composed
// from existing data. A tile whose children are all absent or fully
// transparent is not written, so a later call retries once children appear.
func (m *Materializer) EnsureTile(id ID) error {
	if id.Zoom >= m.baseZoom || id.Zoom < 0 {
		return nil
	}
	if !ValidDimension(id.Dimension) {
		return ErrBadDimension
	}
	if m.store.Exists(id) {
		m.cacheHits.Add(1)
		return nil
	}
	_, err, _ := m.group.Do(m.store.Path(id), func() (any, error) {
		return nil, m.build(id)
	})
	return err
}

func (m *Materializer) build(id ID) error {
	if m.store.Exists(id) {
		return nil
	}
	m.buildsTotal.Add(1)

	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 2; dx++ {
			if err := m.EnsureTile(id.Child(dx, dy)); err != nil {
				return err
			}
		}
	}

	half := m.size / 2
	canvas := image.NewNRGBA(image.Rect(0, 0, m.size, m.size))
	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 2; dx++ {
			child := id.Child(dx, dy)
			src, err := m.store.Load(child)
			if err != nil {
				if !os.IsNotExist(err) {
					m.decodeErrors.Add(1)
					m.printf("pyramid skip child=%s err=%v", child, err)
				}
				continue
			}
			dst := image.Rect(dx*half, dy*half, (dx+1)*half, (dy+1)*half)
			draw.CatmullRom.Scale(canvas, dst, src, src.Bounds(), draw.Src, nil)
		}
	}

	if opaqueBounds(canvas).Empty() {
		m.blankTotal.Add(1)
		return nil
	}
	if err := m.store.Write(id, canvas); err != nil {
		return err
	}
	m.writesTotal.Add(1)
	return nil
}

// opaqueBounds is the smallest rectangle holding every pixel with non-zero alpha.
func opaqueBounds(img *image.NRGBA) image.Rectangle {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.NRGBAAt(x, y).A == 0 {
				continue
			}
			if x < minX {
				minX = x
			}
			if y < minY {
				minY = y
			}
			if x > maxX {
				maxX = x
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < minX {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}

type PyramidStats struct {
	BuildsTotal  uint64
	WritesTotal  uint64
	BlankTotal   uint64
	CacheHits    uint64
	DecodeErrors uint64
}

func (m *Materializer) Stats() PyramidStats {
	return PyramidStats{
		BuildsTotal:  m.buildsTotal.Load(),
		WritesTotal:  m.writesTotal.Load(),
		BlankTotal:   m.blankTotal.Load(),
		CacheHits:    m.cacheHits.Load(),
		DecodeErrors: m.decodeErrors.Load(),
	}
}

func (m *Materializer) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
