// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package uibus

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestWebSocketHandlerSendsSnapshotOnConnect(t *testing.T) {
	hub := NewWebSocketHandler()
	go hub.Run()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	hub.Handle(Event{Kind: ItemStarted, Identifier: "item1"})

	conn := dialHub(t, srv)
	msg := readMessage(t, conn)
	if msg.Type != "snapshot" {
		t.Fatalf("first message type = %q, want snapshot", msg.Type)
	}
}

func TestWebSocketHandlerCoalescesUpdates(t *testing.T) {
	hub := NewWebSocketHandler()
	go hub.Run()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	readMessage(t, conn) // initial (empty) snapshot

	// Many progress events for one identifier between ticks should fold
	// into a single update carrying only the latest state.
	for i := 0; i < 100; i++ {
		hub.Handle(Event{Kind: FileProgress, Identifier: "item1", BytesDone: int64(i), BytesTotal: 100})
	}

	msg := readMessage(t, conn)
	if msg.Type != "update" {
		t.Fatalf("message type = %q, want update", msg.Type)
	}
	events, ok := msg.Data.([]any)
	if !ok || len(events) != 1 {
		t.Fatalf("update data = %#v, want exactly one coalesced event", msg.Data)
	}
}

func TestWebSocketHandlerTracksClientCount(t *testing.T) {
	hub := NewWebSocketHandler()
	go hub.Run()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dialHub(t, srv)
	readMessage(t, conn)
	if n := hub.ClientCount(); n != 1 {
		t.Fatalf("ClientCount = %d, want 1", n)
	}
}
