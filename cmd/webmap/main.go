package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mipmap.dev/internal/config"
	"mipmap.dev/internal/ingest"
	"mipmap.dev/internal/metrics"
	"mipmap.dev/internal/persistence/tileindex"
	"mipmap.dev/internal/tiles"
	"mipmap.dev/internal/transport/tilefeed"
	"mipmap.dev/internal/transport/web"
)

func main() {
	var (
		configPath = flag.String("config", "", "webmap config yaml (defaults apply when empty)")
		addr       = flag.String("addr", "", "http listen address (overrides config addr)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite tile index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[webmap] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.LoadWebmap(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if err := os.MkdirAll(cfg.WorldsRoot, 0o755); err != nil {
		logger.Fatalf("worlds root: %v", err)
	}

	store := tiles.NewStore(cfg.WorldsRoot)
	pyramid := tiles.NewMaterializer(store, cfg.Tiles.BaseZoom, cfg.Tiles.Size, logger)
	renderer := tiles.NewChunkRenderer(store, cfg.Tiles.BaseZoom, cfg.Tiles.Size)

	var idx *tileindex.SQLiteIndex
	if !*disableDB && cfg.IndexPath != "" {
		idx, err = tileindex.Open(cfg.IndexPath, logger)
		if err != nil {
			logger.Fatalf("open tile index: %v", err)
		}
		backfillIndex(store, idx, logger)
	}

	mirror, err := buildR2Mirror(cfg.WorldsRoot, cfg.Tiles.CacheMaxAgeSeconds, logger)
	if err != nil {
		logger.Fatalf("init r2 mirror: %v", err)
	}

	feed := tilefeed.NewServer(logger)

	store.OnWrite(func(w tiles.Written) {
		idx.RecordTile(w)
		mirror.Enqueue(w)
		if w.ID.Zoom == cfg.Tiles.BaseZoom {
			feed.Publish(w.ID)
		}
	})

	mgr := ingest.NewManager(ingest.Config{
		Workers:        cfg.Tiles.Workers,
		QueueCapacity:  cfg.Tiles.QueueCapacity,
		DedupWindow:    cfg.Tiles.DedupWindow(),
		DequeueTimeout: cfg.Tiles.DequeueTimeout(),
		StopTimeout:    cfg.Tiles.StopTimeout(),
		Logger:         logger,
	}, renderer)
	mgr.Start()

	src := metrics.Sources{
		Ingest:  mgr.Stats,
		Pyramid: pyramid.Stats,
		Feed:    feed.Stats,
	}
	if idx != nil {
		src.Index = idx.Stats
	}
	if mirror != nil {
		src.Mirror = mirror.Stats
	}
	reg := metrics.New(src)

	deps := web.Deps{
		Config:  cfg,
		Ingest:  mgr,
		Store:   store,
		Pyramid: pyramid,
		Feed:    feed.Handler(),
		Metrics: reg,
		Logger:  logger,
	}
	if idx != nil {
		deps.Index = idx
	}
	api := web.NewServer(deps)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s worlds_root=%s base_zoom=%d tile_size=%d workers=%d",
		cfg.Addr, cfg.WorldsRoot, cfg.Tiles.BaseZoom, cfg.Tiles.Size, cfg.Tiles.Workers)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Workers first so their last tile writes still reach the mirror and index.
	mgr.Stop()
	mirror.Close(cfg.Tiles.StopTimeout())
	if idx != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := idx.Flush(flushCtx); err != nil {
			logger.Printf("tile index flush: %v", err)
		}
		flushCancel()
		if err := idx.Close(); err != nil {
			logger.Printf("tile index close: %v", err)
		}
	}
	logger.Printf("stopped %s", mgr.Stats().Pool)
}

// The index queue drops on overflow, so the backfill flushes well below its capacity.
const backfillFlushEvery = 8192

// backfillIndex records tiles already on disk, so worlds rendered before the
// index existed are listed with their counts.
func backfillIndex(store *tiles.Store, idx *tileindex.SQLiteIndex, logger *log.Logger) {
	n := 0
	err := store.Walk(func(w tiles.Written) error {
		idx.RecordTile(w)
		n++
		if n%backfillFlushEvery == 0 {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			return idx.Flush(ctx)
		}
		return nil
	})
	if err != nil {
		logger.Printf("tile index backfill stopped after=%d err=%v", n, err)
		return
	}
	if n > 0 {
		logger.Printf("tile index backfill tiles=%d", n)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
