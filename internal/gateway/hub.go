// Package gateway serves the live digest feed over WebSocket.
//
// The Hub is a notification channel: every delivered digest is wrapped in a
// sequenced envelope, kept in a short backlog and fanned out to connected
// clients. Clients reconnecting with ?since=<seq> receive what they missed.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"signal-radar/internal/notification"
)

// ErrNoClients is returned by Send when RequireClients is set and nobody is
// listening, so the dispatcher does not count the feed as a delivery.
var ErrNoClients = errors.New("ws: no connected clients")

// Envelope is the JSON frame sent to clients.
type Envelope struct {
	Type string               `json:"type"` // "digest" or "gap"
	Seq  int64                `json:"seq"`
	TS   time.Time            `json:"ts"`
	Data notification.Message `json:"data"`

	// Missed is set on "gap" frames: digests the client asked for that are
	// no longer retained.
	Missed int64 `json:"missed,omitempty"`
}

// Hub manages WebSocket clients for the digest feed.
type Hub struct {
	name           string
	requireClients bool
	upgrader       websocket.Upgrader

	mu      sync.RWMutex
	clients map[*peer]struct{}
	seq     int64
	backlog *backlog
}

// NewHub creates a hub. replaySize bounds how many envelopes are kept for
// reconnecting clients.
func NewHub(name string, replaySize int, requireClients bool) *Hub {
	if name == "" {
		name = "ws"
	}
	return &Hub{
		name:           name,
		requireClients: requireClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*peer]struct{}),
		backlog: newBacklog(replaySize),
	}
}

func (h *Hub) Name() string { return h.name }

// Send publishes msg to every connected client. Slow clients whose queue is
// full miss the frame but can reconnect with ?since to catch up.
func (h *Hub) Send(ctx context.Context, msg notification.Message) error {
	h.mu.Lock()
	if h.requireClients && len(h.clients) == 0 {
		h.mu.Unlock()
		return ErrNoClients
	}
	h.seq++
	env := Envelope{Type: "digest", Seq: h.seq, TS: time.Now().UTC(), Data: msg}
	h.mu.Unlock()

	buf, err := json.Marshal(env)
	if err != nil {
		return &notification.PermanentError{Channel: h.name, Err: fmt.Errorf("marshal: %w", err)}
	}
	h.backlog.Push(env.Seq, buf)

	h.mu.RLock()
	delivered := 0
	for c := range h.clients {
		if c.offer(buf) {
			delivered++
		}
	}
	total := len(h.clients)
	h.mu.RUnlock()

	slog.DebugContext(ctx, "[ws] broadcast digest", "seq", env.Seq, "clients", total, "delivered", delivered)
	return nil
}

// ServeWS upgrades the request and registers the client. A "since" query
// parameter replays retained digests with a greater seq, preceded by a "gap"
// frame when some of them were already evicted.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = v
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[ws] upgrade failed", "error", err)
		return
	}

	client := newPeer(conn, h)

	// Queue the backlog before registering so that live frames follow it.
	frames, missed := h.backlog.Since(since)
	if since > 0 && missed > 0 {
		gap, _ := json.Marshal(Envelope{Type: "gap", Seq: since, TS: time.Now().UTC(), Missed: missed})
		client.offer(gap)
	}
	for _, f := range frames {
		client.offer(f)
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("[ws] client connected", "clients", count, "since", since)

	client.start()
}

func (h *Hub) remove(c *peer) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.out)
	}
	h.mu.Unlock()
}

// deliver queues a frame for c if it is still registered; its queue is
// closed once removed.
func (h *Hub) deliver(c *peer, frame []byte) {
	h.mu.RLock()
	if _, ok := h.clients[c]; ok {
		c.offer(frame)
	}
	h.mu.RUnlock()
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Seq returns the last published sequence number.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.out)
	}
	return nil
}
