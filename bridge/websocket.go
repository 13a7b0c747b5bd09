package bridge

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/streamkit/engine"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// wireEvent is the JSON frame sent to WebSocket clients for every engine
// event.
type wireEvent struct {
	Type       string    `json:"type"`
	BoundaryID string    `json:"boundaryId"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to,omitempty"`
	Bytes      int       `json:"bytes,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Feed broadcasts engine events to WebSocket clients. Each new client
// receives a hydration payload as its first frame, then the live event
// stream.
type Feed struct {
	engine   *engine.Engine
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	unsubscribe func()
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// NewFeed attaches an event feed to the engine. Close detaches it.
func NewFeed(e *engine.Engine, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Feed{
		engine:  e,
		logger:  logger.With("component", "bridge_feed"),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	f.unsubscribe = e.Subscribe(f.broadcast)
	return f
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects or the feed closes.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close()
		return
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()

	// First frame: current hydration state so late joiners can catch up.
	if snapshot, err := Encode(CaptureAll(f.engine)); err == nil {
		if err := c.write(websocket.TextMessage, snapshot); err != nil {
			f.drop(c)
			return
		}
	}

	go f.pingLoop(c)
	f.readLoop(c)
}

// broadcast fans one engine event out to every connected client. It runs
// on the engine's event path, so a slow client is dropped rather than
// allowed to stall delivery.
func (f *Feed) broadcast(ev engine.Event) {
	we := wireEvent{
		Type:       ev.Type.String(),
		BoundaryID: ev.BoundaryID,
		Bytes:      ev.Bytes,
		Attempt:    ev.Attempt,
		At:         ev.At,
	}
	if ev.Type == engine.EventStateChange {
		we.From = ev.From.String()
		we.To = ev.To.String()
	}
	if ev.Err != nil {
		we.Error = ev.Err.Error()
	}

	data, err := json.Marshal(we)
	if err != nil {
		f.logger.Error("event marshal failed", "error", err)
		return
	}

	f.mu.Lock()
	targets := make([]*client, 0, len(f.clients))
	for c := range f.clients {
		targets = append(targets, c)
	}
	f.mu.Unlock()

	for _, c := range targets {
		if err := c.write(websocket.TextMessage, data); err != nil {
			f.drop(c)
		}
	}
}

// readLoop consumes client frames to keep pong handling alive. The feed is
// one-directional; inbound payloads are discarded.
func (f *Feed) readLoop(c *client) {
	defer f.drop(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) pingLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if err := c.write(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

func (f *Feed) drop(c *client) {
	f.mu.Lock()
	_, present := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()

	if present {
		_ = c.conn.Close()
	}
}

// Close detaches the feed from the engine and disconnects every client.
func (f *Feed) Close() {
	f.unsubscribe()

	f.mu.Lock()
	f.closed = true
	clients := make([]*client, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.clients = make(map[*client]struct{})
	f.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close()
	}
}
