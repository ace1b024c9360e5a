// Package tilefeed pushes tile-update notices to map viewers over websocket.
package tilefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mipmap.dev/internal/tiles"
)

const (
	TypeTile      = "TILE"
	TypeWelcome   = "WELCOME"
	TypeSubscribe = "SUBSCRIBE"
)

// TileMsg announces a (re)written tile.
type TileMsg struct {
	Type      string `json:"type"`
	Dimension string `json:"dimension"`
	Zoom      int    `json:"zoom"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
}

type WelcomeMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Dimension string `json:"dimension,omitempty"`
}

// SubscribeMsg switches the dimension filter of a session; empty means all.
type SubscribeMsg struct {
	Type      string `json:"type"`
	Dimension string `json:"dimension"`
}

type session struct {
	id        string
	out       chan []byte
	dimension atomic.Value // string
}

func (s *session) wants(dim string) bool {
	d, _ := s.dimension.Load().(string)
	return d == "" || d == dim
}

const (
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = defaultPongWait * 9 / 10
)

type Server struct {
	// PongWait is how long a session may stay silent (no message, no pong)
	// before it is dropped. PingPeriod must be shorter.
	PongWait   time.Duration
	PingPeriod time.Duration

	log      *log.Logger
	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu       sync.RWMutex
	sessions map[string]*session

	publishedTotal atomic.Uint64
	deliveredTotal atomic.Uint64
	droppedTotal   atomic.Uint64
}

func NewServer(logger *log.Logger) *Server {
	return &Server{
		PongWait:   defaultPongWait,
		PingPeriod: defaultPingPeriod,
		log:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: map[string]*session{},
	}
}

// Publish fans a tile notice out to matching sessions without blocking; a
// session whose buffer is full misses the notice.
func (s *Server) Publish(id tiles.ID) {
	b, err := json.Marshal(TileMsg{Type: TypeTile, Dimension: id.Dimension, Zoom: id.Zoom, X: id.X, Y: id.Y})
	if err != nil {
		return
	}
	s.publishedTotal.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if !sess.wants(id.Dimension) {
			continue
		}
		select {
		case sess.out <- b:
			s.deliveredTotal.Add(1)
		default:
			s.droppedTotal.Add(1)
		}
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		dim := r.URL.Query().Get("dimension")
		if dim != "" && !tiles.ValidDimension(dim) {
			http.Error(rw, "bad dimension", http.StatusBadRequest)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := &session{
			id:  fmt.Sprintf("F%d", s.nextID.Add(1)),
			out: make(chan []byte, 256),
		}
		sess.dimension.Store(dim)

		if err := writeJSON(conn, WelcomeMsg{Type: TypeWelcome, SessionID: sess.id, Dimension: dim}); err != nil {
			return
		}
		s.add(sess)
		defer s.remove(sess.id)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			ping := time.NewTicker(s.PingPeriod)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						writeErr <- err
						cancel()
						return
					}
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
						return
					}
				}
			}
		}()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.PongWait))
		})

		// Reader loop: SUBSCRIBE updates only.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.PongWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != TypeSubscribe {
				continue
			}
			if sub.Dimension != "" && !tiles.ValidDimension(sub.Dimension) {
				continue
			}
			sess.dimension.Store(sub.Dimension)
		}

		cancel()
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) add(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.printf("tile feed join session=%s sessions=%d", sess.id, n)
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	s.printf("tile feed leave session=%s sessions=%d", id, n)
}

type Stats struct {
	Sessions       int
	PublishedTotal uint64
	DeliveredTotal uint64
	DroppedTotal   uint64
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.sessions)
	s.mu.RUnlock()
	return Stats{
		Sessions:       n,
		PublishedTotal: s.publishedTotal.Load(),
		DeliveredTotal: s.deliveredTotal.Load(),
		DroppedTotal:   s.droppedTotal.Load(),
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
