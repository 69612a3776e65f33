// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package uibus

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// snapshotTick is how often WebSocketHandler coalesces accumulated
// events into one broadcast. A bulk run can emit thousands of
// file_progress events per second across many concurrent items; a
// browser dashboard only ever needs each identifier's latest state,
// not every intermediate tick, so updates are coalesced per
// identifier between ticks rather than forwarded one message per
// event.
const snapshotTick = 250 * time.Millisecond

// wsMessage is the envelope every broadcast message is wrapped in.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// wsClient is one connected browser/UI websocket connection.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WebSocketHandler
}

// WebSocketHandler fans engine events out to any number of connected
// websocket clients, for a browser-based bulk-download dashboard. A
// bulk run produces far more events than a browser needs frame by
// frame, so rather than relaying every event verbatim the hub tracks
// one latest Event per identifier and periodically pushes a coalesced
// snapshot of only the identifiers that changed since the last tick,
// bounding per-client traffic to the number of in-flight items rather
// than the number of events they produce.
type WebSocketHandler struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient

	stateMu sync.Mutex
	latest  map[string]Event
	dirty   map[string]bool

	mu sync.RWMutex
}

// NewWebSocketHandler constructs a handler; call Run in its own
// goroutine before serving any connections.
func NewWebSocketHandler() *WebSocketHandler {
	return &WebSocketHandler{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		latest:     make(map[string]Event),
		dirty:      make(map[string]bool),
	}
}

// Run drives the hub's register/unregister/snapshot loop. Must run in
// its own goroutine.
func (h *WebSocketHandler) Run() {
	ticker := time.NewTicker(snapshotTick)
	defer ticker.Stop()

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.sendTo(c, h.fullSnapshot())
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case <-ticker.C:
			h.broadcastDirty()
		}
	}
}

// Handle implements Handler. It only updates the identifier's latest
// known state; the Run loop's ticker decides when (and whether) that
// state actually reaches a client, so a flood of progress events from
// one item never grows unboundedly just because a client is slow.
func (h *WebSocketHandler) Handle(ev Event) {
	if ev.Identifier == "" {
		return
	}
	h.stateMu.Lock()
	h.latest[ev.Identifier] = ev
	h.dirty[ev.Identifier] = true
	h.stateMu.Unlock()
}

func (h *WebSocketHandler) fullSnapshot() []byte {
	h.stateMu.Lock()
	events := make([]Event, 0, len(h.latest))
	for _, ev := range h.latest {
		events = append(events, ev)
	}
	h.stateMu.Unlock()
	return h.encode("snapshot", events)
}

func (h *WebSocketHandler) broadcastDirty() {
	h.stateMu.Lock()
	if len(h.dirty) == 0 {
		h.stateMu.Unlock()
		return
	}
	events := make([]Event, 0, len(h.dirty))
	for id := range h.dirty {
		events = append(events, h.latest[id])
	}
	h.dirty = make(map[string]bool)
	h.stateMu.Unlock()

	h.broadcast(h.encode("update", events))
}

func (h *WebSocketHandler) encode(kind string, events []Event) []byte {
	data, err := json.Marshal(wsMessage{Type: kind, Data: events})
	if err != nil {
		log.Printf("uibus: marshal %s: %v", kind, err)
		return nil
	}
	return data
}

func (h *WebSocketHandler) broadcast(message []byte) {
	if message == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.sendToLocked(c, message)
	}
}

func (h *WebSocketHandler) sendTo(c *wsClient, message []byte) {
	if message == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.sendToLocked(c, message)
}

// sendToLocked requires h.mu held (for read or write) so it never
// races the client-removal branch in Run.
func (h *WebSocketHandler) sendToLocked(c *wsClient, message []byte) {
	select {
	case c.send <- message:
	default:
		// Client can't keep up with even the coalesced snapshot rate;
		// drop it rather than block the hub.
		go func() { h.unregister <- c }()
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades r to a websocket connection and registers it
// with the hub, so it can be mounted directly on an http.ServeMux.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("uibus: websocket upgrade failed: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 8), hub: h}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// writePump relays one coalesced snapshot message at a time to the
// browser; since the hub already folds every pending update for an
// identifier into a single per-tick message, there is no per-message
// queue left to drain and batch into one frame here.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
