package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mipmap.dev/internal/ingest"
	"mipmap.dev/internal/tiles"
)

func TestRegistry_ExposesSources(t *testing.T) {
	r := New(Sources{
		Ingest: func() ingest.Stats {
			return ingest.Stats{DedupDropTotal: 7, Pool: ingest.PoolStats{QueueDepth: 3}}
		},
		Pyramid: func() tiles.PyramidStats { return tiles.PyramidStats{WritesTotal: 2} },
	})
	r.ObserveTile("hit", 3*time.Millisecond)
	r.ObserveIntake("queued")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		"mipmap_ingest_queue_depth 3",
		"mipmap_ingest_dedup_drop_total 7",
		"mipmap_pyramid_writes_total 2",
		`mipmap_tile_request_duration_seconds_count{outcome="hit"} 1`,
		`mipmap_chunk_intake_total{outcome="queued"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "mipmap_upload_in_flight") {
		t.Fatalf("nil source should not be registered")
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	r.ObserveTile("miss", time.Millisecond)
	r.ObserveIntake("invalid")
}
