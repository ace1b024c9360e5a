// Command sender pushes chunk snapshots to a webmap server. It reads either
// snapshot JSON lines or a block dump of an exported world and drives the
// same tracker and uploader a live game server would.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mipmap.dev/internal/capture"
	"mipmap.dev/internal/chunk"
	"mipmap.dev/internal/config"
	"mipmap.dev/internal/metrics"
	"mipmap.dev/internal/uploader"
)

func main() {
	var (
		configPath  = flag.String("config", "", "plugin config yaml")
		input       = flag.String("input", "-", "chunk snapshot JSON lines (- for stdin)")
		dumpPath    = flag.String("dump", "", "block dump JSON lines; scanned instead of -input")
		regionFlag  = flag.String("region", "", "only send chunks in minX,minZ,maxX,maxZ and report batch progress")
		playersPath = flag.String("players", "", "roster JSON to publish once when sendPlayers is set")
		drainEvery  = flag.Duration("drain_every", 200*time.Millisecond, "result drain interval")
		fullWait    = flag.Duration("full_wait", 50*time.Millisecond, "wait before re-offering after a full queue")
		metricsAddr = flag.String("metrics_addr", "", "serve /metrics on this address while sending (empty to disable)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[sender] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.LoadPlugin(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	var region *uploader.Region
	if strings.TrimSpace(*regionFlag) != "" {
		r, err := uploader.ParseRegion(*regionFlag)
		if err != nil {
			logger.Fatalf("%v", err)
		}
		region = &r
	}

	ctx, cancel := signalContext()
	defer cancel()

	tracker := uploader.NewTracker(cfg.ChunkSending.MaxQueueSize, logger)
	results := make(chan uploader.Result, cfg.ChunkSending.MaxConcurrency*4)
	up, err := uploader.New(uploader.Config{
		URL:            cfg.API.Chunks,
		MaxConcurrency: cfg.ChunkSending.MaxConcurrency,
		Compression:    cfg.ChunkSending.Compression,
		Logger:         logger,
	}, results)
	if err != nil {
		logger.Fatalf("uploader: %v", err)
	}
	defer up.Close()

	batch := uploader.NewBatchTracker()
	if region != nil {
		batch.Start(*region)
		logger.Printf("batch start %s", batch.Status())
	}

	if *metricsAddr != "" {
		reg := metrics.New(metrics.Sources{Tracker: tracker.Stats, Uploader: up.Stats})
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", reg.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("metrics listener: %v", err)
			}
		}()
		defer srv.Close()
	}

	runCtx, stopUploads := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = up.Run(runCtx, tracker.Queue())
	}()

	var feed *uploader.PlayerFeed
	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	feedDone := make(chan struct{})
	if cfg.SendPlayers && *playersPath != "" {
		feed = startPlayerFeed(feedCtx, feedDone, cfg, *playersPath, logger)
	} else {
		close(feedDone)
	}

	s := &session{
		tracker:  tracker,
		results:  results,
		batch:    batch,
		region:   region,
		aliases:  cfg,
		fullWait: *fullWait,
		logger:   logger,
	}
	if *dumpPath != "" {
		err = s.sendDump(ctx, *dumpPath, capture.NewScanner(cfg))
	} else {
		err = s.sendLines(ctx, *input)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("input stopped: %v", err)
	}

	s.waitIdle(ctx, *drainEvery)
	stopUploads()
	<-runDone
	s.drain()
	if feed != nil {
		waitFeed(ctx, feed)
	}
	stopFeed()
	<-feedDone

	st := tracker.Stats()
	logger.Printf("done offered=%d sent=%d errors=%d full_drops=%d duplicates=%d skipped=%d",
		st.OfferedTotal, st.SuccessTotal, st.ErrorTotal, st.FullDropTotal, st.TrackedTotal, s.skipped)
	if region != nil {
		logger.Printf("%s", batch.Status())
	}
	us := up.Stats()
	logger.Printf("uploader max_in_flight=%d network=%d protocol=%d timeout=%d bytes=%d",
		us.MaxInFlight, us.NetworkTotal, us.ProtocolTotal, us.TimeoutTotal, us.BytesSent)
}

type session struct {
	tracker  *uploader.Tracker
	results  chan uploader.Result
	batch    *uploader.BatchTracker
	region   *uploader.Region
	aliases  config.Plugin
	fullWait time.Duration
	logger   *log.Logger

	skipped int
}

func (s *session) sendLines(ctx context.Context, path string) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256*1024), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var snap chunk.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			s.printf("skip line=%d err=%v", line, err)
			s.skipped++
			continue
		}
		snap.Dimension = s.aliases.NormalizeDimension(snap.Dimension)
		if err := s.offer(ctx, snap); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (s *session) sendDump(ctx context.Context, path string, scanner *capture.Scanner) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	dump, err := capture.ReadDump(f)
	f.Close()
	if err != nil {
		return err
	}
	for _, dim := range dump.Dimensions() {
		w, _ := dump.World(dim)
		for _, c := range w.Chunks() {
			if s.region != nil && !s.region.Contains(c[0], c[1]) {
				continue
			}
			if err := s.offer(ctx, scanner.Scan(w, c[0], c[1])); err != nil {
				return err
			}
		}
	}
	return nil
}

// offer hands one snapshot to the tracker. A full queue is retried after
// draining results, which is the only way the queue frees up here.
func (s *session) offer(ctx context.Context, snap chunk.Snapshot) error {
	key, err := snap.Key()
	if err != nil {
		s.printf("skip chunk dimension=%s err=%v", snap.Dimension, err)
		s.skipped++
		return nil
	}
	if s.region != nil && !s.region.Contains(key.X, key.Z) {
		s.skipped++
		return nil
	}
	for {
		s.drain()
		err := s.tracker.Offer(snap)
		switch {
		case err == nil, errors.Is(err, uploader.ErrAlreadyTracked):
			return nil
		case errors.Is(err, uploader.ErrQueueFull):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.fullWait):
			}
		default:
			return fmt.Errorf("offer chunk=%s: %w", key, err)
		}
	}
}

func (s *session) drain() {
	for {
		select {
		case r := <-s.results:
			s.tracker.Apply(r)
			s.batch.Observe(r)
		default:
			return
		}
	}
}

// waitIdle drains results until nothing is pending or ctx is done.
func (s *session) waitIdle(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	last := time.Now()
	for {
		s.drain()
		if s.tracker.Stats().Pending == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if time.Since(last) >= 5*time.Second {
				last = time.Now()
				st := s.tracker.Stats()
				s.printf("waiting pending=%d sent=%d errors=%d", st.Pending, st.Sent, st.ErrorTotal)
				if s.region != nil {
					s.printf("%s", s.batch.Status())
				}
			}
		}
	}
}

func startPlayerFeed(ctx context.Context, done chan struct{}, cfg config.Plugin, path string, logger *log.Logger) *uploader.PlayerFeed {
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Fatalf("read players: %v", err)
	}
	var roster uploader.Roster
	if err := json.Unmarshal(b, &roster); err != nil {
		logger.Fatalf("decode players: %v", err)
	}
	for i := range roster.Players {
		roster.Players[i].Dimension = cfg.NormalizeDimension(roster.Players[i].Dimension)
	}
	feed, err := uploader.NewPlayerFeed(cfg.API.Players, nil, logger)
	if err != nil {
		logger.Fatalf("player feed: %v", err)
	}
	feed.Publish(roster)
	go func() {
		defer close(done)
		feed.Run(ctx)
		st := feed.Stats()
		logger.Printf("players published=%d sent=%d failed=%d", st.PublishedTotal, st.SentTotal, st.FailTotal)
	}()
	return feed
}

// waitFeed gives the single published roster a bounded chance to be posted.
func waitFeed(ctx context.Context, feed *uploader.PlayerFeed) {
	deadline := time.NewTimer(uploader.DefaultTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if st := feed.Stats(); st.SentTotal+st.FailTotal > 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
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

func (s *session) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
