package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// pongWait force-disconnects a connection silent for this long.
	pongWait = 8000 * time.Millisecond
	// pingPeriod probes liveness; must stay under pongWait.
	pingPeriod = 4000 * time.Millisecond

	writeWait      = 10 * time.Second
	maxFrameSize   = 64 * 1024
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers connect from a separate frontend origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// conn is one websocket connection. Fan-out goes through a buffered send
// channel drained by a dedicated writer goroutine, so one slow client never
// blocks a broadcast.
type conn struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	sendMu sync.Mutex
	closed bool

	// userID, email and room are guarded by hub.mu.
	userID string
	email  string
	room   string
}

// closeSend stops the writer goroutine. Guarded so a concurrent broadcast
// never writes to a closed channel.
func (c *conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &conn{
		id:   newConnID(),
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
	}
	h.register(c)
	h.logger.Info("client connected", "connection", c.id)

	go c.writeLoop()
	c.readLoop(r.Context())
}

func (c *conn) readLoop(ctx context.Context) {
	defer func() {
		c.hub.unregister(context.WithoutCancel(ctx), c)
		c.ws.Close()
		c.closeSend()
		c.hub.logger.Info("client disconnected", "connection", c.id)
	}()

	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.heartbeat(ctx, c)
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}
		c.hub.handleFrame(ctx, c, frame)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				c.ws.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendFrame enqueues a frame. A full buffer means the client cannot keep up
// with fan-out; the connection is dropped rather than left to lag behind
// silently. Closing the send channel makes the writer flush what it has,
// send a close frame, and tear the socket down.
func (c *conn) sendFrame(frame Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		c.hub.logger.Error("frame marshal failed", "event", frame.Event, "error", err)
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- raw:
	default:
		c.hub.logger.Warn("disconnecting slow client", "connection", c.id, "event", frame.Event)
		c.closed = true
		close(c.send)
	}
}

func (c *conn) sendEvent(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.hub.logger.Error("event marshal failed", "event", event, "error", err)
		return
	}
	c.sendFrame(Frame{Event: event, Data: raw})
}

func (c *conn) sendError(message string) {
	c.sendEvent(EventError, map[string]string{"message": message})
}
