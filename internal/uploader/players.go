package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Player is one online player as shown on the map.
type Player struct {
	Name      string  `json:"name"`
	XUID      string  `json:"xuid"`
	Skin      string  `json:"skin,omitempty"`
	SkinShape []int   `json:"skinShape,omitempty"`
	Dimension string  `json:"dimension"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
}

// Roster is the players payload: {"players":[...]}.
type Roster struct {
	Players []Player `json:"players"`
}

// PlayerFeed posts the most recent roster to the players endpoint. Only the
// latest unsent roster is kept; older ones are replaced.
type PlayerFeed struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *log.Logger

	slot chan Roster

	publishedTotal atomic.Uint64
	replacedTotal  atomic.Uint64
	sentTotal      atomic.Uint64
	failTotal      atomic.Uint64
}

func NewPlayerFeed(url string, client *http.Client, logger *log.Logger) (*PlayerFeed, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("player feed: url is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &PlayerFeed{
		url:     url,
		timeout: DefaultTimeout,
		client:  client,
		logger:  logger,
		slot:    make(chan Roster, 1),
	}, nil
}

// Publish never blocks.
func (f *PlayerFeed) Publish(r Roster) {
	f.publishedTotal.Add(1)
	for {
		select {
		case f.slot <- r:
			return
		default:
		}
		select {
		case <-f.slot:
			f.replacedTotal.Add(1)
		default:
		}
	}
}

func (f *PlayerFeed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-f.slot:
			if err := f.post(ctx, r); err != nil {
				f.failTotal.Add(1)
				f.printf("players post failed count=%d err=%v", len(r.Players), err)
				continue
			}
			f.sentTotal.Add(1)
		}
	}
}

func (f *PlayerFeed) post(ctx context.Context, r Roster) error {
	if r.Players == nil {
		r.Players = []Player{}
	}
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status=%d", resp.StatusCode)
	}
	return nil
}

type PlayerFeedStats struct {
	PublishedTotal uint64
	ReplacedTotal  uint64
	SentTotal      uint64
	FailTotal      uint64
}

func (f *PlayerFeed) Stats() PlayerFeedStats {
	return PlayerFeedStats{
		PublishedTotal: f.publishedTotal.Load(),
		ReplacedTotal:  f.replacedTotal.Load(),
		SentTotal:      f.sentTotal.Load(),
		FailTotal:      f.failTotal.Load(),
	}
}

func (f *PlayerFeed) printf(format string, args ...any) {
	if f.logger != nil {
		f.logger.Printf(format, args...)
	}
}
