// Package gateway holds the realtime edge: long-lived websocket
// connections, room membership, and event fan-out. The in-process room map
// is a local cache only; every broadcast is mirrored through the pub/sub
// bridge so peers behind the same load balancer deliver to their own
// connections.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"chatservice/internal/message"
	"chatservice/internal/presence"
	"chatservice/internal/pubsub"
	"chatservice/internal/util"
)

// Client-visible event names.
const (
	EventIdentify      = "identify"
	EventJoin          = "joinConversation"
	EventSendMessage   = "sendMessage"
	EventTyping        = "typing"
	EventStopTyping    = "stopTyping"
	EventPresenceCheck = "presenceCheck"
	EventNewMessage    = "newMessage"
	EventUserOnline    = "userOnline"
	EventUserOffline   = "userOffline"
	EventUserJoined    = "userJoined"
	EventError         = "error"
)

// Frame is the wire format in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Appender persists messages. Implemented by the message log.
type Appender interface {
	Append(ctx context.Context, conversationID, senderID, content, messageType string) (*message.Message, error)
}

// Presence tracks connection liveness. Implemented by the presence registry.
type Presence interface {
	Upsert(ctx context.Context, connectionID string, meta presence.Meta) error
	Remove(ctx context.Context, connectionID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Hub owns every local connection and the local room cache.
type Hub struct {
	messages Appender
	presence Presence
	bridge   pubsub.Bridge
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[*conn]struct{}
	rooms map[string]map[*conn]struct{}
}

func NewHub(messages Appender, pres Presence, bridge pubsub.Bridge, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		messages: messages,
		presence: pres,
		bridge:   bridge,
		logger:   logger,
		conns:    make(map[*conn]struct{}),
		rooms:    make(map[string]map[*conn]struct{}),
	}
}

// Run replays peer broadcasts into local connections until ctx is canceled.
func (h *Hub) Run(ctx context.Context) error {
	return h.bridge.Run(ctx, func(env pubsub.Envelope) {
		frame := Frame{Event: env.Event, Data: env.Payload}
		if env.Room != "" {
			h.deliverRoom(env.Room, frame, nil)
			return
		}
		h.deliverAll(frame, nil)
	})
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

// unregister tears the connection out of the hub, the room cache, and the
// presence registry, and announces the user's departure.
func (h *Hub) unregister(ctx context.Context, c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.leaveRoomLocked(c)
	userID, email := c.userID, c.email
	h.mu.Unlock()

	if err := h.presence.Remove(ctx, c.id); err != nil {
		h.logger.Warn("presence remove failed", "connection", c.id, "error", err)
	}
	if userID != "" {
		h.broadcastAll(ctx, EventUserOffline, map[string]string{
			"userId": userID,
			"email":  email,
		}, nil)
	}
}

func (h *Hub) leaveRoomLocked(c *conn) {
	if c.room == "" {
		return
	}
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

// handleFrame dispatches one inbound client frame.
func (h *Hub) handleFrame(ctx context.Context, c *conn, frame Frame) {
	switch frame.Event {
	case EventIdentify:
		h.handleIdentify(ctx, c, frame.Data)
	case EventJoin:
		h.handleJoin(ctx, c, frame.Data)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, frame.Data)
	case EventTyping, EventStopTyping:
		h.handleTyping(ctx, c, frame.Event, frame.Data)
	case EventPresenceCheck:
		h.handlePresenceCheck(ctx, c, frame.Data)
	default:
		c.sendError("unknown event: " + frame.Event)
	}
}

func (h *Hub) handleIdentify(ctx context.Context, c *conn, data json.RawMessage) {
	var payload struct {
		UserID string `json:"userId"`
		Email  string `json:"email"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" {
		c.sendError("identify requires userId")
		return
	}

	h.mu.Lock()
	c.userID = payload.UserID
	c.email = payload.Email
	h.mu.Unlock()

	if err := h.presence.Upsert(ctx, c.id, presence.Meta{UserID: payload.UserID, Email: payload.Email}); err != nil {
		h.logger.Warn("presence upsert failed", "connection", c.id, "error", err)
	}
	h.broadcastAll(ctx, EventUserOnline, map[string]string{
		"userId": payload.UserID,
		"email":  payload.Email,
	}, c)
}

func (h *Hub) handleJoin(ctx context.Context, c *conn, data json.RawMessage) {
	var conversationID string
	if err := json.Unmarshal(data, &conversationID); err != nil || conversationID == "" {
		c.sendError("joinConversation requires a conversation id")
		return
	}

	h.mu.Lock()
	h.leaveRoomLocked(c)
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[*conn]struct{})
		h.rooms[conversationID] = members
	}
	members[c] = struct{}{}
	c.room = conversationID
	userID, email := c.userID, c.email
	h.mu.Unlock()

	h.broadcastRoom(ctx, conversationID, EventUserJoined, map[string]string{
		"conversationId": conversationID,
		"userId":         userID,
		"email":          email,
	}, c)
}

func (h *Hub) handleSendMessage(ctx context.Context, c *conn, data json.RawMessage) {
	var payload struct {
		ConversationID string `json:"conversationId"`
		Content        string `json:"content"`
		SenderID       string `json:"senderId"`
		MessageType    string `json:"messageType"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError("malformed sendMessage payload")
		return
	}
	if payload.ConversationID == "" || payload.Content == "" || payload.SenderID == "" {
		c.sendError("sendMessage requires conversationId, content and senderId")
		return
	}

	msg, err := h.messages.Append(ctx, payload.ConversationID, payload.SenderID, payload.Content, payload.MessageType)
	if err != nil {
		h.logger.Error("message append failed", "conversationId", payload.ConversationID, "error", err)
		c.sendError("unable to save message")
		return
	}
	// The sender's connections are room members too, so multi-device
	// senders see their own message come back.
	h.broadcastRoom(ctx, payload.ConversationID, EventNewMessage, msg, nil)
}

func (h *Hub) handleTyping(ctx context.Context, c *conn, event string, data json.RawMessage) {
	var payload struct {
		ConversationID string `json:"conversationId"`
		UserID         string `json:"userId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.ConversationID == "" {
		c.sendError(event + " requires a conversationId")
		return
	}
	h.broadcastRoom(ctx, payload.ConversationID, event, payload, c)
}

func (h *Hub) handlePresenceCheck(ctx context.Context, c *conn, data json.RawMessage) {
	var userID string
	if err := json.Unmarshal(data, &userID); err != nil || userID == "" {
		c.sendError("presenceCheck requires a user id")
		return
	}
	online, err := h.presence.IsOnline(ctx, userID)
	if err != nil {
		h.logger.Warn("presence check failed", "userId", userID, "error", err)
		online = false
	}
	c.sendEvent(EventPresenceCheck, map[string]any{
		"userId": userID,
		"online": online,
	})
}

// heartbeat refreshes the connection's presence entry. Wired to transport
// pongs so the registry window outlives the ping interval.
func (h *Hub) heartbeat(ctx context.Context, c *conn) {
	h.mu.RLock()
	userID, email := c.userID, c.email
	h.mu.RUnlock()
	if userID == "" {
		return
	}
	if err := h.presence.Upsert(ctx, c.id, presence.Meta{UserID: userID, Email: email}); err != nil {
		h.logger.Warn("presence heartbeat failed", "connection", c.id, "error", err)
	}
}

// broadcastAll delivers to every local connection except skip and mirrors
// the event to peer instances.
func (h *Hub) broadcastAll(ctx context.Context, event string, payload any, skip *conn) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "event", event, "error", err)
		return
	}
	h.deliverAll(Frame{Event: event, Data: raw}, skip)
	if err := h.bridge.Publish(ctx, event, "", payload); err != nil {
		h.logger.Warn("bridge publish failed", "event", event, "error", err)
	}
}

// broadcastRoom delivers to local members of the room except skip and
// mirrors the event to peer instances.
func (h *Hub) broadcastRoom(ctx context.Context, room, event string, payload any, skip *conn) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "event", event, "error", err)
		return
	}
	h.deliverRoom(room, Frame{Event: event, Data: raw}, skip)
	if err := h.bridge.Publish(ctx, event, room, payload); err != nil {
		h.logger.Warn("bridge publish failed", "event", event, "room", room, "error", err)
	}
}

func (h *Hub) deliverAll(frame Frame, skip *conn) {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.sendFrame(frame)
	}
}

func (h *Hub) deliverRoom(room string, frame Frame, skip *conn) {
	h.mu.RLock()
	targets := make([]*conn, 0)
	for c := range h.rooms[room] {
		if c != skip {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		c.sendFrame(frame)
	}
}

func newConnID() string { return util.NewID() }
