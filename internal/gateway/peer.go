package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	peerQueue    = 64
)

// peer is one connected feed subscriber. Frames are queued on out and written
// by a single goroutine; the reader only answers pings and detects closes.
type peer struct {
	conn *websocket.Conn
	hub  *Hub
	out  chan []byte
}

func newPeer(conn *websocket.Conn, hub *Hub) *peer {
	return &peer{conn: conn, hub: hub, out: make(chan []byte, peerQueue)}
}

// offer queues a frame without blocking. A full queue drops the frame.
func (p *peer) offer(frame []byte) bool {
	select {
	case p.out <- frame:
		return true
	default:
		return false
	}
}

func (p *peer) start() {
	go p.writeLoop()
	go p.readLoop()
}

func (p *peer) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// pong answers an application-level {"ping": <client ms>}.
type pong struct {
	Type     string `json:"type"`
	Ping     int64  `json:"ping"`
	ServerTS int64  `json:"server_ts"`
}

func (p *peer) readLoop() {
	defer func() {
		p.hub.remove(p)
		p.conn.Close()
		slog.Info("[ws] client disconnected", "clients", p.hub.ClientCount())
	}()

	p.conn.SetReadLimit(1024)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var in struct {
			Ping int64 `json:"ping"`
		}
		if json.Unmarshal(msg, &in) != nil || in.Ping <= 0 {
			continue
		}
		reply, _ := json.Marshal(pong{Type: "pong", Ping: in.Ping, ServerTS: time.Now().UnixMilli()})
		p.hub.deliver(p, reply)
	}
}
