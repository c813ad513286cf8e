package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestServer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.WriteJSON(Frame{Event: event, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame Frame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	return frame
}

func TestWebsocketLifecycle(t *testing.T) {
	f := newHubFixture(t)
	srv := httptest.NewServer(f.hub)
	defer srv.Close()

	watcher := dialTestServer(t, srv)
	peer := dialTestServer(t, srv)

	writeFrame(t, peer, EventIdentify, map[string]string{"userId": "u2", "email": "u2@example.com"})

	frame := readFrame(t, watcher)
	if frame.Event != EventUserOnline {
		t.Fatalf("event = %s, want %s", frame.Event, EventUserOnline)
	}
	var payload map[string]string
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["userId"] != "u2" {
		t.Fatalf("payload = %v", payload)
	}

	// Closing the peer's transport announces the departure.
	peer.Close()
	frame = readFrame(t, watcher)
	if frame.Event != EventUserOffline {
		t.Fatalf("event = %s, want %s", frame.Event, EventUserOffline)
	}
}

func TestWebsocketRejectsMalformedFrame(t *testing.T) {
	f := newHubFixture(t)
	srv := httptest.NewServer(f.hub)
	defer srv.Close()

	ws := dialTestServer(t, srv)
	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, ws)
	if frame.Event != EventError {
		t.Fatalf("event = %s, want %s", frame.Event, EventError)
	}
}
