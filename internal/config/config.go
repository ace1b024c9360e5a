package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Base tiles paint one chunk, so the tile edge must split evenly into chunk columns.
const chunkEdge = 16

// Plugin is the game-server side configuration (chunk capture and upload).
type Plugin struct {
	API              APIConfig         `yaml:"api"`
	ChunkSending     ChunkSending      `yaml:"chunkSending"`
	DimensionAliases map[string]string `yaml:"dimensionAliases"`
	Blacklist        Blacklist         `yaml:"blacklist"`
	SendPlayers      bool              `yaml:"sendPlayers"`
}

type APIConfig struct {
	Chunks  string `yaml:"chunks"`
	Players string `yaml:"players"`
}

type ChunkSending struct {
	MaxConcurrency int    `yaml:"maxConcurrency"`
	MaxQueueSize   int    `yaml:"maxQueueSize"`
	Compression    string `yaml:"compression"`
}

type Blacklist struct {
	Blocks []string `yaml:"blocks"`
}

// Webmap is the tile server side configuration.
type Webmap struct {
	Addr             string `yaml:"addr"`
	WorldsRoot       string `yaml:"worldsRoot"`
	IndexPath        string `yaml:"indexPath"`
	WebRoot          string `yaml:"webRoot"`
	MapSize          int    `yaml:"mapSize"`
	UpdateIntervalMs int    `yaml:"updateIntervalMs"`
	DefaultWorld     string `yaml:"defaultWorld"`
	Tiles            Tiles  `yaml:"tiles"`
}

type Tiles struct {
	Workers               int     `yaml:"workers"`
	QueueCapacity         int     `yaml:"queueCapacity"`
	DedupWindowSeconds    int     `yaml:"dedupWindowSeconds"`
	DequeueTimeoutSeconds int     `yaml:"dequeueTimeoutSeconds"`
	StopTimeoutSeconds    int     `yaml:"stopTimeoutSeconds"`
	CacheMaxAgeSeconds    int     `yaml:"cacheMaxAgeSeconds"`
	BaseZoom              int     `yaml:"baseZoom"`
	Size                  int     `yaml:"size"`
	GenerateRatePerSecond float64 `yaml:"generateRatePerSecond"`
	GenerateBurst         int     `yaml:"generateBurst"`
}

func (t Tiles) DedupWindow() time.Duration {
	return time.Duration(t.DedupWindowSeconds) * time.Second
}

func (t Tiles) DequeueTimeout() time.Duration {
	return time.Duration(t.DequeueTimeoutSeconds) * time.Second
}

func (t Tiles) StopTimeout() time.Duration {
	return time.Duration(t.StopTimeoutSeconds) * time.Second
}

func DefaultPlugin() Plugin {
	return Plugin{
		ChunkSending: ChunkSending{
			MaxConcurrency: 4,
			MaxQueueSize:   2000,
			Compression:    "none",
		},
		DimensionAliases: map[string]string{},
		Blacklist: Blacklist{
			Blocks: []string{"minecraft:air", "minecraft:water", "minecraft:lava", "minecraft:flowing_water", "minecraft:flowing_lava"},
		},
	}
}

func DefaultWebmap() Webmap {
	return Webmap{
		Addr:             ":8100",
		WorldsRoot:       "./data/worlds",
		IndexPath:        "./data/index.sqlite",
		MapSize:          1000,
		UpdateIntervalMs: 5000,
		DefaultWorld:     "overworld",
		Tiles: Tiles{
			Workers:               DefaultWorkers(),
			QueueCapacity:         65536,
			DedupWindowSeconds:    30,
			DequeueTimeoutSeconds: 5,
			StopTimeoutSeconds:    10,
			CacheMaxAgeSeconds:    3600,
			BaseZoom:              4,
			Size:                  256,
			GenerateRatePerSecond: 50,
			GenerateBurst:         100,
		},
	}
}

// DefaultWorkers is min(4, available cores).
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

func LoadPlugin(path string) (Plugin, error) {
	cfg := DefaultPlugin()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("plugin config: %w", err)
	}
	return cfg, nil
}

func LoadWebmap(path string) (Webmap, error) {
	cfg := DefaultWebmap()
	if err := readYAML(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("webmap config: %w", err)
	}
	return cfg, nil
}

func readYAML(path string, v any) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (c *Plugin) Normalize() {
	c.API.Chunks = strings.TrimSpace(c.API.Chunks)
	c.API.Players = strings.TrimSpace(c.API.Players)
	if c.ChunkSending.MaxConcurrency <= 0 {
		c.ChunkSending.MaxConcurrency = 4
	}
	if c.ChunkSending.MaxQueueSize < 0 {
		c.ChunkSending.MaxQueueSize = 0
	}
	c.ChunkSending.Compression = strings.ToLower(strings.TrimSpace(c.ChunkSending.Compression))
	if c.ChunkSending.Compression == "" {
		c.ChunkSending.Compression = "none"
	}
	if c.DimensionAliases == nil {
		c.DimensionAliases = map[string]string{}
	}
}

func (c Plugin) Validate() error {
	if c.API.Chunks == "" {
		return fmt.Errorf("api.chunks is required")
	}
	if c.SendPlayers && c.API.Players == "" {
		return fmt.Errorf("sendPlayers=true requires api.players")
	}
	switch c.ChunkSending.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("unsupported chunkSending.compression: %s", c.ChunkSending.Compression)
	}
	return nil
}

// NormalizeDimension maps a raw engine dimension name to its display alias.
func (c Plugin) NormalizeDimension(raw string) string {
	if alias, ok := c.DimensionAliases[raw]; ok && alias != "" {
		return alias
	}
	return raw
}

func (c *Webmap) Normalize() {
	d := DefaultWebmap()
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	c.WorldsRoot = strings.TrimSpace(c.WorldsRoot)
	if c.WorldsRoot == "" {
		c.WorldsRoot = d.WorldsRoot
	}
	c.IndexPath = strings.TrimSpace(c.IndexPath)
	c.WebRoot = strings.TrimSpace(c.WebRoot)
	c.DefaultWorld = strings.TrimSpace(c.DefaultWorld)
	if c.DefaultWorld == "" {
		c.DefaultWorld = d.DefaultWorld
	}
	if c.MapSize <= 0 {
		c.MapSize = d.MapSize
	}
	if c.UpdateIntervalMs <= 0 {
		c.UpdateIntervalMs = d.UpdateIntervalMs
	}
	t := &c.Tiles
	if t.Workers <= 0 {
		t.Workers = d.Tiles.Workers
	}
	if t.QueueCapacity <= 0 {
		t.QueueCapacity = d.Tiles.QueueCapacity
	}
	if t.DedupWindowSeconds < 0 {
		t.DedupWindowSeconds = 0
	}
	if t.DequeueTimeoutSeconds <= 0 {
		t.DequeueTimeoutSeconds = d.Tiles.DequeueTimeoutSeconds
	}
	if t.StopTimeoutSeconds <= 0 {
		t.StopTimeoutSeconds = d.Tiles.StopTimeoutSeconds
	}
	if t.CacheMaxAgeSeconds < 0 {
		t.CacheMaxAgeSeconds = 0
	}
	if t.Size <= 0 {
		t.Size = d.Tiles.Size
	}
	if t.GenerateBurst <= 0 {
		t.GenerateBurst = d.Tiles.GenerateBurst
	}
}

func (c Webmap) Validate() error {
	if c.Tiles.BaseZoom < 0 || c.Tiles.BaseZoom > 16 {
		return fmt.Errorf("tiles.baseZoom out of range: %d", c.Tiles.BaseZoom)
	}
	if c.Tiles.Size%chunkEdge != 0 {
		return fmt.Errorf("tiles.size must be a multiple of 16: %d", c.Tiles.Size)
	}
	return nil
}
