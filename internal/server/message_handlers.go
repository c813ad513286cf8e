package server

import (
	"net/http"
	"strconv"

	"chatservice/internal/identity"
	"chatservice/internal/util"
)

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, user *identity.User) {
	conv := s.loadConversationForParticipant(w, r, user.UserID)
	if conv == nil {
		return
	}

	limit := int32(0)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = int32(n)
	}
	cursor := r.URL.Query().Get("nextPageKey")

	msgs, nextPageKey, err := s.messages.List(r.Context(), conv.ConversationID, limit, cursor)
	if err != nil {
		s.serverError(w, r, "list messages", err)
		return
	}

	// Reading the history counts as catching up; a failure here must not
	// fail the listing.
	if err := s.conversations.UpdateLastRead(r.Context(), conv.ConversationID, user.UserID, util.NowTimestamp()); err != nil {
		s.logger.Warn("advance read marker failed",
			"conversationId", conv.ConversationID,
			"userId", user.UserID,
			"error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"messages":    msgs,
		"nextPageKey": nextPageKey,
	})
}

type sendMessageRequest struct {
	Content     string `json:"content"`
	MessageType string `json:"messageType"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, user *identity.User) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "Message content is required")
		return
	}
	conv := s.loadConversationForParticipant(w, r, user.UserID)
	if conv == nil {
		return
	}

	msg, err := s.messages.Append(r.Context(), conv.ConversationID, user.UserID, req.Content, req.MessageType)
	if err != nil {
		s.serverError(w, r, "send message", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": msg,
	})
}

type updateMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request, user *identity.User) {
	var req updateMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "Updated content is required")
		return
	}
	conv := s.loadConversationForParticipant(w, r, user.UserID)
	if conv == nil {
		return
	}

	messageID := r.PathValue("messageId")
	msg, err := s.messages.GetByID(r.Context(), conv.ConversationID, messageID, "")
	if err != nil {
		s.serverError(w, r, "load message", err)
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if msg.SenderID != user.UserID {
		writeError(w, http.StatusForbidden, "You can only update your own messages")
		return
	}

	updated, err := s.messages.UpdateContent(r.Context(), conv.ConversationID, messageID, req.Content)
	if err != nil {
		s.serverError(w, r, "update message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": updated,
	})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, user *identity.User) {
	conv := s.loadConversationForParticipant(w, r, user.UserID)
	if conv == nil {
		return
	}

	messageID := r.PathValue("messageId")
	msg, err := s.messages.GetByID(r.Context(), conv.ConversationID, messageID, "")
	if err != nil {
		s.serverError(w, r, "load message", err)
		return
	}
	if msg == nil {
		writeError(w, http.StatusNotFound, "Message not found")
		return
	}
	if msg.SenderID != user.UserID {
		writeError(w, http.StatusForbidden, "You can only delete your own messages")
		return
	}

	if err := s.messages.Delete(r.Context(), conv.ConversationID, messageID); err != nil {
		s.serverError(w, r, "delete message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Message deleted successfully",
	})
}
