package tilefeed

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mipmap.dev/internal/tiles"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/tiles/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var w WelcomeMsg
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&w); err != nil || w.Type != TypeWelcome {
		t.Fatalf("welcome=%+v err=%v", w, err)
	}
	return conn
}

func waitSessions(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Stats().Sessions == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sessions=%d want %d", s.Stats().Sessions, n)
}

func TestServer_PublishesToMatchingSessions(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	all := dial(t, srv, "")
	defer all.Close()
	nether := dial(t, srv, "?dimension=nether")
	defer nether.Close()
	waitSessions(t, s, 2)

	s.Publish(tiles.ID{Dimension: "overworld", Zoom: 4, X: 1, Y: -2})
	s.Publish(tiles.ID{Dimension: "nether", Zoom: 4, X: 0, Y: 0})

	var m TileMsg
	_ = all.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := all.ReadJSON(&m); err != nil || m != (TileMsg{Type: TypeTile, Dimension: "overworld", Zoom: 4, X: 1, Y: -2}) {
		t.Fatalf("first msg=%+v err=%v", m, err)
	}
	_ = nether.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := nether.ReadJSON(&m); err != nil || m.Dimension != "nether" {
		t.Fatalf("filtered msg=%+v err=%v", m, err)
	}
}

func TestServer_SubscribeChangesFilter(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv, "?dimension=nether")
	defer conn.Close()
	waitSessions(t, s, 1)

	b, _ := json.Marshal(SubscribeMsg{Type: TypeSubscribe, Dimension: "the_end"})
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Publish(tiles.ID{Dimension: "the_end", Zoom: 4})
		if s.Stats().DeliveredTotal > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	var m TileMsg
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&m); err != nil || m.Dimension != "the_end" {
		t.Fatalf("msg=%+v err=%v", m, err)
	}
}

func TestServer_RejectsBadDimension(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?dimension=../x"
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected 400, err=%v", err)
	}
}

func TestServer_SessionLeavesOnClose(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	conn := dial(t, srv, "")
	waitSessions(t, s, 1)
	conn.Close()
	waitSessions(t, s, 0)
}

func TestServer_KeepsListenOnlySessionAlive(t *testing.T) {
	s := NewServer(nil)
	s.PongWait = 150 * time.Millisecond
	s.PingPeriod = 40 * time.Millisecond
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv, "")
	defer conn.Close()
	waitSessions(t, s, 1)

	// The client never writes; reading answers the server's pings.
	msgs := make(chan TileMsg, 4)
	go func() {
		_ = conn.SetReadDeadline(time.Time{})
		for {
			var m TileMsg
			if err := conn.ReadJSON(&m); err != nil {
				close(msgs)
				return
			}
			msgs <- m
		}
	}()

	time.Sleep(5 * s.PongWait)
	if n := s.Stats().Sessions; n != 1 {
		t.Fatalf("sessions=%d after idle period want 1", n)
	}
	s.Publish(tiles.ID{Dimension: "overworld", Zoom: 4, X: 3, Y: 3})
	select {
	case m, ok := <-msgs:
		if !ok || m.X != 3 || m.Y != 3 {
			t.Fatalf("msg=%+v ok=%v", m, ok)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no tile notice after idle period")
	}
}
