// Package web serves the map HTTP API: chunk intake, tile reads, map
// configuration and the player roster.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"mipmap.dev/internal/chunk"
	"mipmap.dev/internal/config"
	"mipmap.dev/internal/metrics"
	"mipmap.dev/internal/persistence/tileindex"
	"mipmap.dev/internal/tiles"
	"mipmap.dev/internal/uploader"
)

const (
	maxChunkBody    = 4 << 20
	maxChunkDecoded = 16 << 20
	maxPlayersBody  = 8 << 20
	skinMaxAge      = 3600
)

// TaskAdder accepts chunks for rendering and reports the queue depth.
type TaskAdder interface {
	AddTask(chunk.Snapshot) (int, error)
}

type TileEnsurer interface {
	EnsureTile(tiles.ID) error
}

type WorldLister interface {
	Dimensions(ctx context.Context, baseZoom int) ([]tileindex.Dimension, error)
}

type Deps struct {
	Config  config.Webmap
	Ingest  TaskAdder
	Store   *tiles.Store
	Pyramid TileEnsurer
	// Index and Feed are optional.
	Index   WorldLister
	Feed    http.Handler
	Metrics *metrics.Registry
	Logger  *log.Logger
}

type Server struct {
	cfg     config.Webmap
	ingest  TaskAdder
	store   *tiles.Store
	pyramid TileEnsurer
	index   WorldLister
	feed    http.Handler
	metrics *metrics.Registry
	log     *log.Logger

	limiter *rate.Limiter
	roster  *Roster
}

func NewServer(d Deps) *Server {
	limit := rate.Inf
	if d.Config.Tiles.GenerateRatePerSecond > 0 {
		limit = rate.Limit(d.Config.Tiles.GenerateRatePerSecond)
	}
	burst := d.Config.Tiles.GenerateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Server{
		cfg:     d.Config,
		ingest:  d.Ingest,
		store:   d.Store,
		pyramid: d.Pyramid,
		index:   d.Index,
		feed:    d.Feed,
		metrics: d.Metrics,
		log:     d.Logger,
		limiter: rate.NewLimiter(limit, burst),
		roster:  NewRoster(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("POST /api/chunks", s.handleChunk)
	mux.HandleFunc("GET /api/tiles/{dimension}/{zoom}/{x}/{y}", s.handleTile)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/worlds", s.handleWorlds)
	mux.HandleFunc("GET /api/players", s.handlePlayers)
	mux.HandleFunc("POST /api/players", s.handlePlayersUpdate)
	mux.HandleFunc("GET /api/players/{name}/skin.png", s.handleSkin)
	if s.feed != nil {
		mux.Handle("GET /api/tiles/ws", s.feed)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	if s.cfg.WebRoot != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.WebRoot)))
	}
	return mux
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxChunkBody)
	var src io.Reader = body
	switch enc := r.Header.Get("Content-Encoding"); enc {
	case "", "identity":
	case "zstd":
		dec, err := zstd.NewReader(body, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxChunkDecoded))
		if err != nil {
			s.intakeError(w, "invalid", http.StatusBadRequest, err)
			return
		}
		defer dec.Close()
		src = dec
	default:
		s.intakeError(w, "invalid", http.StatusUnsupportedMediaType, fmt.Errorf("unsupported content encoding %q", enc))
		return
	}

	raw, err := io.ReadAll(io.LimitReader(src, maxChunkDecoded+1))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.intakeError(w, "too_large", http.StatusRequestEntityTooLarge, err)
			return
		}
		s.intakeError(w, "invalid", http.StatusBadRequest, err)
		return
	}
	if len(raw) > maxChunkDecoded {
		s.intakeError(w, "too_large", http.StatusRequestEntityTooLarge, fmt.Errorf("decoded body exceeds %d bytes", maxChunkDecoded))
		return
	}

	snap, err := chunk.DecodeRequest(raw)
	if err != nil {
		s.intakeError(w, "invalid", http.StatusUnprocessableEntity, err)
		return
	}
	depth, err := s.ingest.AddTask(snap)
	if err != nil {
		s.intakeError(w, "invalid", http.StatusUnprocessableEntity, err)
		return
	}
	s.metrics.ObserveIntake("queued")
	writeJSON(w, http.StatusOK, map[string]any{"status": "queued", "queue": depth})
}

func (s *Server) intakeError(w http.ResponseWriter, outcome string, status int, err error) {
	s.metrics.ObserveIntake(outcome)
	writeJSON(w, status, map[string]any{"status": "error", "error": err.Error()})
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := parseTileID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	outcome := "hit"
	if id.Zoom < s.cfg.Tiles.BaseZoom && !s.store.Exists(id) {
		outcome = "generated"
		if err := s.limiter.Wait(r.Context()); err != nil {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		if err := s.pyramid.EnsureTile(id); err != nil {
			s.printf("tile generate failed tile=%s err=%v", id, err)
		}
	}

	data, err := s.store.ReadFile(id)
	if err != nil {
		if !os.IsNotExist(err) {
			s.printf("tile read failed tile=%s err=%v", id, err)
		}
		s.metrics.ObserveTile("miss", time.Since(start))
		http.Error(w, "tile not found", http.StatusNotFound)
		return
	}
	s.metrics.ObserveTile(outcome, time.Since(start))
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(s.cfg.Tiles.CacheMaxAgeSeconds))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func parseTileID(r *http.Request) (tiles.ID, error) {
	id := tiles.ID{Dimension: r.PathValue("dimension")}
	if !tiles.ValidDimension(id.Dimension) {
		return id, tiles.ErrBadDimension
	}
	var err error
	if id.Zoom, err = strconv.Atoi(r.PathValue("zoom")); err != nil || id.Zoom < 0 {
		return id, fmt.Errorf("bad zoom %q", r.PathValue("zoom"))
	}
	if id.X, err = strconv.Atoi(r.PathValue("x")); err != nil {
		return id, fmt.Errorf("bad x %q", r.PathValue("x"))
	}
	if id.Y, err = strconv.Atoi(r.PathValue("y")); err != nil {
		return id, fmt.Errorf("bad y %q", r.PathValue("y"))
	}
	return id, nil
}

type mapConfig struct {
	MapSize        int      `json:"mapSize"`
	UpdateInterval int      `json:"updateInterval"`
	DefaultWorld   string   `json:"defaultWorld"`
	Worlds         []string `json:"worlds"`
	BaseZoom       int      `json:"baseZoom"`
	TileSize       int      `json:"tileSize"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	dims := s.worlds(r.Context())
	names := make([]string, 0, len(dims))
	for _, d := range dims {
		names = append(names, d.Name)
	}
	writeJSON(w, http.StatusOK, mapConfig{
		MapSize:        s.cfg.MapSize,
		UpdateInterval: s.cfg.UpdateIntervalMs,
		DefaultWorld:   s.cfg.DefaultWorld,
		Worlds:         names,
		BaseZoom:       s.cfg.Tiles.BaseZoom,
		TileSize:       s.cfg.Tiles.Size,
	})
}

func (s *Server) handleWorlds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"worlds": s.worlds(r.Context())})
}

// worlds merges the index summary with the dimension directories on disk,
// so worlds written before the index existed still show up.
func (s *Server) worlds(ctx context.Context) []tileindex.Dimension {
	byName := map[string]tileindex.Dimension{}
	if s.index != nil {
		dims, err := s.index.Dimensions(ctx, s.cfg.Tiles.BaseZoom)
		if err != nil {
			s.printf("list worlds from index failed err=%v", err)
		}
		for _, d := range dims {
			byName[d.Name] = d
		}
	}
	if names, err := s.store.Dimensions(); err == nil {
		for _, n := range names {
			if _, ok := byName[n]; !ok {
				byName[n] = tileindex.Dimension{Name: n}
			}
		}
	} else {
		s.printf("list worlds from disk failed err=%v", err)
	}
	out := make([]tileindex.Dimension, 0, len(byName))
	for _, d := range byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	b := OpenBounds()
	q := r.URL.Query()
	for _, p := range []struct {
		key string
		dst *float64
	}{
		{"x_min", &b.XMin}, {"x_max", &b.XMax}, {"z_min", &b.ZMin}, {"z_max", &b.ZMax},
	} {
		v := q.Get(p.key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "bad "+p.key, http.StatusBadRequest)
			return
		}
		*p.dst = f
	}
	writeJSON(w, http.StatusOK, uploader.Roster{Players: s.roster.List(b)})
}

func (s *Server) handlePlayersUpdate(w http.ResponseWriter, r *http.Request) {
	var roster uploader.Roster
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPlayersBody)).Decode(&roster); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	s.roster.Replace(roster.Players)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "players": len(roster.Players)})
}

func (s *Server) handleSkin(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	b, ok, err := s.roster.SkinPNG(name)
	if err != nil {
		s.printf("skin render failed player=%s err=%v", name, err)
	}
	if !ok {
		http.Error(w, "skin not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(skinMaxAge))
	_, _ = w.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
