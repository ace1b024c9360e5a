package web

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"image"
	"image/png"
	"math"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"mipmap.dev/internal/uploader"
)

// Roster keeps the latest reported online players in memory.
type Roster struct {
	mu      sync.RWMutex
	players []uploader.Player
	// gen counts Replace calls.
	gen uint64
	// Rendered skins, cleared whenever the roster is replaced.
	skins *cache.Cache
}

func NewRoster() *Roster {
	return &Roster{skins: cache.New(skinMaxAge*time.Second, 10*time.Minute)}
}

func (r *Roster) Replace(players []uploader.Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players = append([]uploader.Player(nil), players...)
	r.gen++
	r.skins.Flush()
}

// Bounds filters players by block position. Sides are inclusive.
type Bounds struct {
	XMin, XMax float64
	ZMin, ZMax float64
}

func OpenBounds() Bounds {
	return Bounds{XMin: math.Inf(-1), XMax: math.Inf(1), ZMin: math.Inf(-1), ZMax: math.Inf(1)}
}

func (b Bounds) contains(p uploader.Player) bool {
	return p.X >= b.XMin && p.X <= b.XMax && p.Z >= b.ZMin && p.Z <= b.ZMax
}

// List returns players inside b without their raw skin data.
func (r *Roster) List(b Bounds) []uploader.Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]uploader.Player, 0, len(r.players))
	for _, p := range r.players {
		if !b.contains(p) {
			continue
		}
		p.Skin = ""
		p.SkinShape = nil
		out = append(out, p)
	}
	return out
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// SkinPNG renders the named player's raw skin pixels as PNG. ok is false
// when the player is unknown or has no skin.
func (r *Roster) SkinPNG(name string) ([]byte, bool, error) {
	if b, ok := r.skins.Get(name); ok {
		return b.([]byte), true, nil
	}
	r.mu.RLock()
	gen := r.gen
	var found *uploader.Player
	for i := range r.players {
		if r.players[i].Name == name {
			p := r.players[i]
			found = &p
			break
		}
	}
	r.mu.RUnlock()
	if found == nil || found.Skin == "" {
		return nil, false, nil
	}

	b, err := encodeSkin(found.Skin, found.SkinShape)
	if err != nil {
		return nil, false, err
	}
	r.cacheSkin(name, gen, b)
	return b, true, nil
}

// cacheSkin stores a rendered skin unless the roster was replaced after it
// was read.
func (r *Roster) cacheSkin(name string, gen uint64, b []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.gen != gen {
		return false
	}
	r.skins.SetDefault(name, b)
	return true
}

// encodeSkin turns hex-encoded pixels of shape [height, width, channels]
// into a PNG. Three and four channel layouts are accepted.
func encodeSkin(hexPixels string, shape []int) ([]byte, error) {
	if len(shape) != 3 {
		return nil, fmt.Errorf("skin shape %v: want [h w c]", shape)
	}
	h, w, c := shape[0], shape[1], shape[2]
	if h <= 0 || w <= 0 || h > 1024 || w > 1024 || (c != 3 && c != 4) {
		return nil, fmt.Errorf("skin shape %v out of range", shape)
	}
	raw, err := hex.DecodeString(hexPixels)
	if err != nil {
		return nil, fmt.Errorf("skin pixels: %w", err)
	}
	if len(raw) != h*w*c {
		return nil, fmt.Errorf("skin pixels: got %d bytes want %d", len(raw), h*w*c)
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < len(raw); i, j = i+c, j+4 {
		img.Pix[j] = raw[i]
		img.Pix[j+1] = raw[i+1]
		img.Pix[j+2] = raw[i+2]
		img.Pix[j+3] = 0xff
		if c == 4 {
			img.Pix[j+3] = raw[i+3]
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
