// Package tileindex keeps a sqlite catalogue of written tiles. The PNG files
// stay the source of truth; the index answers "which worlds exist" and "how
// much is mapped" without walking the tile tree.
package tileindex

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"mipmap.dev/internal/tiles"
)

type SQLiteIndex struct {
	db     *sql.DB
	logger *log.Logger

	ch   chan req
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	recordedTotal atomic.Uint64
	droppedTotal  atomic.Uint64
	writeErrors   atomic.Uint64
}

type req struct {
	tile tileRow
	// flush, when set, is closed once everything queued before it is committed.
	flush chan struct{}
}

type tileRow struct {
	Dimension string
	Zoom      int
	X         int
	Y         int
	Bytes     int
	UpdatedAt string
}

// Dimension summarizes one world in the index.
type Dimension struct {
	Name      string `json:"name"`
	Tiles     int    `json:"tiles"`
	BaseTiles int    `json:"baseTiles"`
	UpdatedAt string `json:"updatedAt"`
}

const (
	queueCapacity = 65536
	commitEvery   = 500
	commitMaxWait = time.Second
)

func Open(path string, logger *log.Logger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:     db,
		logger: logger,
		ch:     make(chan req, queueCapacity),
		quit:   make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tiles (
			dimension TEXT NOT NULL,
			zoom INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			writes INTEGER NOT NULL DEFAULT 1,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (dimension, zoom, x, y)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tiles_dimension_updated ON tiles(dimension, updated_at);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.quit)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordTile queues a tile write. It never blocks; when the writer falls
// behind the record is dropped and counted.
func (s *SQLiteIndex) RecordTile(w tiles.Written) {
	if s == nil || s.closed.Load() {
		return
	}
	r := tileRow{
		Dimension: w.ID.Dimension,
		Zoom:      w.ID.Zoom,
		X:         w.ID.X,
		Y:         w.ID.Y,
		Bytes:     w.Bytes,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{tile: r}:
		s.recordedTotal.Add(1)
	default:
		s.droppedTotal.Add(1)
	}
}

// Flush waits until every record queued before the call is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{flush: done}:
	case <-s.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dimensions lists every indexed world, ordered by name.
func (s *SQLiteIndex) Dimensions(ctx context.Context, baseZoom int) ([]Dimension, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dimension,
		       COUNT(*),
		       SUM(CASE WHEN zoom = ? THEN 1 ELSE 0 END),
		       MAX(updated_at)
		FROM tiles
		GROUP BY dimension
		ORDER BY dimension`, baseZoom)
	if err != nil {
		return nil, fmt.Errorf("query dimensions: %w", err)
	}
	defer rows.Close()

	var out []Dimension
	for rows.Next() {
		var d Dimension
		if err := rows.Scan(&d.Name, &d.Tiles, &d.BaseTiles, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	upsert, err := s.db.Prepare(`INSERT INTO tiles(dimension,zoom,x,y,bytes,writes,updated_at) VALUES(?,?,?,?,?,1,?)
		ON CONFLICT(dimension,zoom,x,y) DO UPDATE SET bytes=excluded.bytes, writes=writes+1, updated_at=excluded.updated_at`)
	if err != nil {
		s.printf("tile index prepare failed err=%v", err)
	}
	defer func() {
		if upsert != nil {
			_ = upsert.Close()
		}
	}()

	var (
		tx         *sql.Tx
		opCount    int
		lastCommit = time.Now()
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
			s.printf("tile index commit failed ops=%d err=%v", opCount, err)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	apply := func(r req) {
		if r.flush != nil {
			commit()
			close(r.flush)
			return
		}
		begin()
		if tx == nil || upsert == nil {
			return
		}
		t := r.tile
		if _, err := tx.Stmt(upsert).Exec(t.Dimension, t.Zoom, t.X, t.Y, t.Bytes, t.UpdatedAt); err != nil {
			s.writeErrors.Add(1)
			s.printf("tile index write failed tile=%s/%d/%d/%d err=%v", t.Dimension, t.Zoom, t.X, t.Y, err)
			rollback()
			return
		}
		opCount++
		// Batch only while a backlog exists.
		if opCount >= commitEvery || len(s.ch) == 0 || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for {
		select {
		case r := <-s.ch:
			apply(r)
		case <-s.quit:
			// Records queued before Close are still written.
			for {
				select {
				case r := <-s.ch:
					apply(r)
				default:
					commit()
					return
				}
			}
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		}
	}
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	RecordedTotal uint64
	DroppedTotal  uint64
	WriteErrors   uint64
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		RecordedTotal: s.recordedTotal.Load(),
		DroppedTotal:  s.droppedTotal.Load(),
		WriteErrors:   s.writeErrors.Load(),
	}
}

func (s *SQLiteIndex) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
