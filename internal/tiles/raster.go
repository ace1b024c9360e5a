package tiles

import (
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"strings"

	"mipmap.dev/internal/chunk"
)

// palette holds top-down colours for common surface blocks. Names are
// matched without their namespace prefix.
var palette = map[string]color.NRGBA{
	"grass_block":      {R: 0x5b, G: 0x8c, B: 0x32, A: 0xff},
	"grass":            {R: 0x5b, G: 0x8c, B: 0x32, A: 0xff},
	"dirt":             {R: 0x86, G: 0x60, B: 0x43, A: 0xff},
	"coarse_dirt":      {R: 0x77, G: 0x55, B: 0x3b, A: 0xff},
	"podzol":           {R: 0x5a, G: 0x3f, B: 0x1d, A: 0xff},
	"stone":            {R: 0x7d, G: 0x7d, B: 0x7d, A: 0xff},
	"deepslate":        {R: 0x50, G: 0x50, B: 0x52, A: 0xff},
	"gravel":           {R: 0x85, G: 0x7f, B: 0x7e, A: 0xff},
	"sand":             {R: 0xdb, G: 0xd3, B: 0xa0, A: 0xff},
	"red_sand":         {R: 0xbe, G: 0x66, B: 0x21, A: 0xff},
	"sandstone":        {R: 0xd8, G: 0xcb, B: 0x9b, A: 0xff},
	"snow":             {R: 0xf9, G: 0xfe, B: 0xfe, A: 0xff},
	"snow_layer":       {R: 0xf9, G: 0xfe, B: 0xfe, A: 0xff},
	"ice":              {R: 0x91, G: 0xb7, B: 0xfd, A: 0xff},
	"packed_ice":       {R: 0x8d, G: 0xb4, B: 0xfa, A: 0xff},
	"water":            {R: 0x3f, G: 0x76, B: 0xe4, A: 0xff},
	"flowing_water":    {R: 0x3f, G: 0x76, B: 0xe4, A: 0xff},
	"lava":             {R: 0xcf, G: 0x5b, B: 0x14, A: 0xff},
	"flowing_lava":     {R: 0xcf, G: 0x5b, B: 0x14, A: 0xff},
	"clay":             {R: 0xa0, G: 0xa6, B: 0xb3, A: 0xff},
	"oak_leaves":       {R: 0x3a, G: 0x6b, B: 0x1e, A: 0xff},
	"birch_leaves":     {R: 0x56, G: 0x7a, B: 0x38, A: 0xff},
	"spruce_leaves":    {R: 0x2f, G: 0x4d, B: 0x2f, A: 0xff},
	"jungle_leaves":    {R: 0x2f, G: 0x7a, B: 0x14, A: 0xff},
	"oak_log":          {R: 0x6b, G: 0x52, B: 0x33, A: 0xff},
	"netherrack":       {R: 0x6f, G: 0x36, B: 0x35, A: 0xff},
	"soul_sand":        {R: 0x51, G: 0x3e, B: 0x32, A: 0xff},
	"basalt":           {R: 0x4f, G: 0x4f, B: 0x55, A: 0xff},
	"end_stone":        {R: 0xdb, G: 0xde, B: 0x9e, A: 0xff},
	"obsidian":         {R: 0x14, G: 0x12, B: 0x1d, A: 0xff},
	"bedrock":          {R: 0x3a, G: 0x3a, B: 0x3a, A: 0xff},
	"mycelium":         {R: 0x6f, G: 0x63, B: 0x69, A: 0xff},
	"terracotta":       {R: 0x98, G: 0x5e, B: 0x43, A: 0xff},
	"moss_block":       {R: 0x59, G: 0x6d, B: 0x2d, A: 0xff},
	"cobblestone":      {R: 0x7a, G: 0x7a, B: 0x7a, A: 0xff},
	"oak_planks":       {R: 0xa2, G: 0x82, B: 0x4e, A: 0xff},
	"stone_bricks":     {R: 0x7a, G: 0x79, B: 0x7a, A: 0xff},
	"farmland":         {R: 0x8f, G: 0x66, B: 0x46, A: 0xff},
	"dirt_path":        {R: 0x94, G: 0x7a, B: 0x41, A: 0xff},
	"grass_path":       {R: 0x94, G: 0x7a, B: 0x41, A: 0xff},
	"tallgrass":        {R: 0x5b, G: 0x8c, B: 0x32, A: 0xff},
	"short_grass":      {R: 0x5b, G: 0x8c, B: 0x32, A: 0xff},
	"seagrass":         {R: 0x2f, G: 0x6e, B: 0x9c, A: 0xff},
	"kelp":             {R: 0x2f, G: 0x6e, B: 0x9c, A: 0xff},
	"crimson_nylium":   {R: 0x82, G: 0x1f, B: 0x1f, A: 0xff},
	"warped_nylium":    {R: 0x2b, G: 0x72, B: 0x65, A: 0xff},
	"magma":            {R: 0x8e, G: 0x3f, B: 0x1f, A: 0xff},
	"glowstone":        {R: 0xab, G: 0x83, B: 0x54, A: 0xff},
	"blackstone":       {R: 0x2a, G: 0x23, B: 0x28, A: 0xff},
	"calcite":          {R: 0xdf, G: 0xe0, B: 0xdc, A: 0xff},
	"tuff":             {R: 0x6c, G: 0x6d, B: 0x66, A: 0xff},
	"mud":              {R: 0x3c, G: 0x39, B: 0x3d, A: 0xff},
	"powder_snow":      {R: 0xf8, G: 0xfd, B: 0xfd, A: 0xff},
	"chorus_plant":     {R: 0x5d, G: 0x39, B: 0x5d, A: 0xff},
	"purpur_block":     {R: 0xa9, G: 0x7d, B: 0xa9, A: 0xff},
	"air":              {},
	"cave_air":         {},
	"void_air":         {},
	"structure_void":   {},
	"light_block":      {},
	"barrier":          {},

	"invisible_bedrock": {R: 0x3a, G: 0x3a, B: 0x3a, A: 0xff},
}

// BlockColor returns the map colour of a block, falling back to a stable
// colour derived from the block name.
func BlockColor(name string) color.NRGBA {
	n := strings.ToLower(name)
	if i := strings.IndexByte(n, ':'); i >= 0 {
		n = n[i+1:]
	}
	if c, ok := palette[n]; ok {
		return c
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(n))
	v := h.Sum32()
	return color.NRGBA{R: 0x40 + uint8(v)%0x90, G: 0x40 + uint8(v>>8)%0x90, B: 0x40 + uint8(v>>16)%0x90, A: 0xff}
}

// shade darkens low terrain and brightens high terrain.
func shade(c color.NRGBA, y int) color.NRGBA {
	const minY, maxY = -64, 320
	t := float64(y-minY) / float64(maxY-minY)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	f := 0.7 + 0.5*t
	scale := func(v uint8) uint8 {
		x := float64(v) * f
		if x > 255 {
			x = 255
		}
		return uint8(x)
	}
	return color.NRGBA{R: scale(c.R), G: scale(c.G), B: scale(c.B), A: c.A}
}

// ChunkRenderer paints one chunk per base-zoom tile, at size/16 pixels per block.
type ChunkRenderer struct {
	store    *Store
	baseZoom int
	size     int
}

func NewChunkRenderer(store *Store, baseZoom, size int) *ChunkRenderer {
	if size <= 0 {
		size = DefaultSize
	}
	return &ChunkRenderer{store: store, baseZoom: baseZoom, size: size}
}

func (r *ChunkRenderer) RenderChunk(ctx context.Context, snap chunk.Snapshot) error {
	key, err := snap.Key()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	img := r.Paint(snap.Blocks)
	return r.store.Write(ID{Dimension: key.Dimension, Zoom: r.baseZoom, X: key.X, Y: key.Z}, img)
}

// Paint renders the highest block of every column.
func (r *ChunkRenderer) Paint(blocks []chunk.Block) *image.NRGBA {
	type top struct {
		y   int
		c   color.NRGBA
		set bool
	}
	var cols [chunk.Size][chunk.Size]top
	for _, b := range blocks {
		lx, lz := chunk.FloorMod(b.X, chunk.Size), chunk.FloorMod(b.Z, chunk.Size)
		t := &cols[lx][lz]
		if t.set && t.y >= b.Y {
			continue
		}
		*t = top{y: b.Y, c: BlockColor(b.Name), set: true}
	}

	cell := r.size / chunk.Size
	img := image.NewNRGBA(image.Rect(0, 0, r.size, r.size))
	for lx := 0; lx < chunk.Size; lx++ {
		for lz := 0; lz < chunk.Size; lz++ {
			t := cols[lx][lz]
			if !t.set || t.c.A == 0 {
				continue
			}
			c := shade(t.c, t.y)
			for py := lz * cell; py < (lz+1)*cell; py++ {
				for px := lx * cell; px < (lx+1)*cell; px++ {
					img.SetNRGBA(px, py, c)
				}
			}
		}
	}
	return img
}
