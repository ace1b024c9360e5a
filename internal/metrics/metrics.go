// Package metrics exposes pipeline counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mipmap.dev/internal/ingest"
	"mipmap.dev/internal/persistence/r2s3"
	"mipmap.dev/internal/persistence/tileindex"
	"mipmap.dev/internal/tiles"
	"mipmap.dev/internal/transport/tilefeed"
	"mipmap.dev/internal/uploader"
)

const namespace = "mipmap"

// Sources are read at scrape time. Nil entries are skipped.
type Sources struct {
	Ingest   func() ingest.Stats
	Pyramid  func() tiles.PyramidStats
	Index    func() tileindex.Stats
	Mirror   func() r2s3.Stats
	Feed     func() tilefeed.Stats
	Tracker  func() uploader.TrackerStats
	Uploader func() uploader.Stats
}

type Registry struct {
	reg          *prometheus.Registry
	tileRequests *prometheus.HistogramVec
	chunkIntake  *prometheus.CounterVec
}

func New(src Sources) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		tileRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tile_request_duration_seconds",
			Help:      "Tile read latency including on-demand generation.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}, []string{"outcome"}),
		chunkIntake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_intake_total",
			Help:      "Chunk intake requests by outcome.",
		}, []string{"outcome"}),
	}
	r.reg.MustRegister(r.tileRequests, r.chunkIntake)

	if f := src.Ingest; f != nil {
		r.gauge("ingest_queue_depth", "Render tasks waiting for a worker.", func() float64 { return float64(f().Pool.QueueDepth) })
		r.gauge("ingest_workers", "Live render workers.", func() float64 { return float64(f().Pool.Workers) })
		r.gauge("ingest_dedup_keys", "Chunk keys inside the dedup window.", func() float64 { return float64(f().DedupKeys) })
		r.counter("ingest_accepted_total", "Render tasks enqueued.", func() float64 { return float64(f().AcceptedTotal) })
		r.counter("ingest_dedup_drop_total", "Render tasks coalesced by the dedup window.", func() float64 { return float64(f().DedupDropTotal) })
		r.counter("ingest_full_drop_total", "Render tasks dropped on a full queue.", func() float64 { return float64(f().FullDropTotal) })
		r.counter("ingest_rendered_total", "Chunks rasterized.", func() float64 { return float64(f().Pool.RenderedTotal) })
		r.counter("ingest_render_failed_total", "Rasterizer errors.", func() float64 { return float64(f().Pool.FailedTotal) })
		r.counter("ingest_render_recovered_total", "Rasterizer panics recovered.", func() float64 { return float64(f().Pool.RecoveredTotal) })
		r.counter("ingest_workers_abandoned_total", "Workers abandoned at shutdown.", func() float64 { return float64(f().Pool.AbandonedTotal) })
	}
	if f := src.Pyramid; f != nil {
		r.counter("pyramid_builds_total", "Derived tile builds attempted.", func() float64 { return float64(f().BuildsTotal) })
		r.counter("pyramid_writes_total", "Derived tiles written.", func() float64 { return float64(f().WritesTotal) })
		r.counter("pyramid_blank_total", "Derived tiles skipped as fully transparent.", func() float64 { return float64(f().BlankTotal) })
		r.counter("pyramid_cache_hits_total", "Tile requests served from disk.", func() float64 { return float64(f().CacheHits) })
		r.counter("pyramid_decode_errors_total", "Child tiles that failed to decode.", func() float64 { return float64(f().DecodeErrors) })
	}
	if f := src.Index; f != nil {
		r.gauge("tileindex_queue_depth", "Index records waiting for the writer.", func() float64 { return float64(f().QueueDepth) })
		r.counter("tileindex_dropped_total", "Index records dropped.", func() float64 { return float64(f().DroppedTotal) })
		r.counter("tileindex_write_errors_total", "Index write errors.", func() float64 { return float64(f().WriteErrors) })
	}
	if f := src.Mirror; f != nil {
		r.gauge("mirror_queue_depth", "Tiles waiting for upload to the bucket.", func() float64 { return float64(f().QueueDepth) })
		r.counter("mirror_dropped_total", "Tiles dropped from the mirror queue.", func() float64 { return float64(f().DroppedTotal) })
		r.counter("mirror_upload_success_total", "Tiles uploaded to the bucket.", func() float64 { return float64(f().UploadSuccessTotal) })
		r.counter("mirror_upload_fail_total", "Tile uploads that exhausted retries.", func() float64 { return float64(f().UploadFailTotal) })
	}
	if f := src.Feed; f != nil {
		r.gauge("feed_sessions", "Connected tile feed sessions.", func() float64 { return float64(f().Sessions) })
		r.counter("feed_dropped_total", "Tile notices dropped on slow sessions.", func() float64 { return float64(f().DroppedTotal) })
	}
	if f := src.Tracker; f != nil {
		r.gauge("delivery_pending", "Chunks offered and awaiting a result.", func() float64 { return float64(f().Pending) })
		r.gauge("delivery_sent", "Chunks delivered.", func() float64 { return float64(f().Sent) })
		r.gauge("delivery_queue_depth", "Chunks waiting for an upload slot.", func() float64 { return float64(f().QueueDepth) })
		r.counter("delivery_queue_full_total", "Chunks dropped on a full upload queue.", func() float64 { return float64(f().FullDropTotal) })
	}
	if f := src.Uploader; f != nil {
		r.gauge("upload_in_flight", "Upload requests outstanding.", func() float64 { return float64(f().InFlight) })
		r.counter("upload_success_total", "Uploads answered with 200.", func() float64 { return float64(f().SuccessTotal) })
		r.counter("upload_network_error_total", "Uploads failed at the network layer.", func() float64 { return float64(f().NetworkTotal) })
		r.counter("upload_protocol_error_total", "Uploads answered with a non-200 status.", func() float64 { return float64(f().ProtocolTotal) })
		r.counter("upload_timeout_total", "Uploads that timed out.", func() float64 { return float64(f().TimeoutTotal) })
	}
	return r
}

func (r *Registry) gauge(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn))
}

func (r *Registry) counter(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, fn))
}

// ObserveTile records one tile read. outcome is "hit", "generated" or "miss".
func (r *Registry) ObserveTile(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.tileRequests.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveIntake counts one chunk intake request by outcome.
func (r *Registry) ObserveIntake(outcome string) {
	if r == nil {
		return
	}
	r.chunkIntake.WithLabelValues(outcome).Inc()
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
