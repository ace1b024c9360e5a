package tiles

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
)

var ErrBadDimension = errors.New("invalid dimension name")

var dimensionRe = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

// ID addresses one tile in the pyramid.
type ID struct {
	Dimension string
	Zoom      int
	X         int
	Y         int
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", id.Dimension, id.Zoom, id.X, id.Y)
}

// Child returns the quadrant (dx, dy) of id one zoom level finer.
func (id ID) Child(dx, dy int) ID {
	return ID{Dimension: id.Dimension, Zoom: id.Zoom + 1, X: id.X*2 + dx, Y: id.Y*2 + dy}
}

// Written describes a tile file that was just persisted.
type Written struct {
	ID    ID
	Path  string
	Bytes int
}

// Store maps tile IDs onto <root>/<dimension>/tiles/zoom-<z>/(<x>)-(<y>).png.
type Store struct {
	root string

	mu      sync.RWMutex
	onWrite []func(Written)
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string { return s.root }

// OnWrite registers a hook called after every successful tile write.
func (s *Store) OnWrite(fn func(Written)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWrite = append(s.onWrite, fn)
}

func ValidDimension(dim string) bool {
	return dimensionRe.MatchString(dim)
}

func (s *Store) Path(id ID) string {
	return filepath.Join(
		s.root,
		id.Dimension,
		"tiles",
		"zoom-"+strconv.Itoa(id.Zoom),
		"("+strconv.Itoa(id.X)+")-("+strconv.Itoa(id.Y)+").png",
	)
}

func (s *Store) Exists(id ID) bool {
	if !ValidDimension(id.Dimension) {
		return false
	}
	st, err := os.Stat(s.Path(id))
	return err == nil && !st.IsDir()
}

func (s *Store) ReadFile(id ID) ([]byte, error) {
	if !ValidDimension(id.Dimension) {
		return nil, ErrBadDimension
	}
	return os.ReadFile(s.Path(id))
}

// Load decodes a stored tile. A missing tile returns an error satisfying os.IsNotExist.
func (s *Store) Load(id ID) (image.Image, error) {
	if !ValidDimension(id.Dimension) {
		return nil, ErrBadDimension
	}
	f, err := os.Open(s.Path(id))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode tile %s: %w", id, err)
	}
	return img, nil
}

// Write encodes img as PNG and publishes it atomically (temp file + rename),
// so concurrent readers never see a partial tile.
func (s *Store) Write(id ID, img image.Image) error {
	if !ValidDimension(id.Dimension) {
		return ErrBadDimension
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode tile %s: %w", id, err)
	}

	path := s.Path(id)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tile-*.png")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	s.mu.RLock()
	hooks := s.onWrite
	s.mu.RUnlock()
	w := Written{ID: id, Path: path, Bytes: buf.Len()}
	for _, fn := range hooks {
		fn(w)
	}
	return nil
}

// Walk calls fn for every tile file under the store root. Entries that do
// not follow the tile layout are skipped.
func (s *Store) Walk(fn func(Written) error) error {
	dims, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, d := range dims {
		if !d.IsDir() || !ValidDimension(d.Name()) {
			continue
		}
		zooms, err := os.ReadDir(filepath.Join(s.root, d.Name(), "tiles"))
		if err != nil {
			continue
		}
		for _, z := range zooms {
			var zoom int
			if _, err := fmt.Sscanf(z.Name(), "zoom-%d", &zoom); err != nil || !z.IsDir() {
				continue
			}
			dir := filepath.Join(s.root, d.Name(), "tiles", z.Name())
			files, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, f := range files {
				var x, y int
				if _, err := fmt.Sscanf(f.Name(), "(%d)-(%d).png", &x, &y); err != nil {
					continue
				}
				info, err := f.Info()
				if err != nil {
					continue
				}
				id := ID{Dimension: d.Name(), Zoom: zoom, X: x, Y: y}
				if err := fn(Written{ID: id, Path: filepath.Join(dir, f.Name()), Bytes: int(info.Size())}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Dimensions lists the world directories that hold tiles.
func (s *Store) Dimensions() ([]string, error) {
	dims, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, d := range dims {
		if !d.IsDir() || !ValidDimension(d.Name()) {
			continue
		}
		if st, err := os.Stat(filepath.Join(s.root, d.Name(), "tiles")); err == nil && st.IsDir() {
			out = append(out, d.Name())
		}
	}
	return out, nil
}
