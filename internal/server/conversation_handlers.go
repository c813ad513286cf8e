package server

import (
	"context"
	"errors"
	"net/http"

	"chatservice/internal/conversation"
	"chatservice/internal/identity"
)

type userBrief struct {
	UserID    string `json:"userId"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
}

// conversationView is the API shape of a conversation. The unread count is
// the viewer's; for direct chats the name and otherUser fields are filled
// from the peer's profile. All three are display conveniences, never
// persisted.
type conversationView struct {
	*conversation.Conversation
	Name        string     `json:"name"`
	UnreadCount int        `json:"unreadCount"`
	OtherUser   *userBrief `json:"otherUser,omitempty"`
}

func (s *Server) conversationView(ctx context.Context, conv *conversation.Conversation, viewerID string) *conversationView {
	view := &conversationView{Conversation: conv, Name: conv.Name}
	if n, err := s.receipts.UnreadCount(ctx, conv.ConversationID, viewerID); err != nil {
		s.logger.Warn("unread count failed", "conversationId", conv.ConversationID, "error", err)
	} else {
		view.UnreadCount = n
	}
	if conv.Type != conversation.TypeDirect {
		return view
	}
	var otherID string
	for _, id := range conv.ParticipantIDs {
		if id != viewerID {
			otherID = id
			break
		}
	}
	if otherID == "" {
		return view
	}
	other, err := s.users.GetByID(ctx, otherID)
	if err != nil || other == nil {
		return view
	}
	view.Name = other.Name
	view.OtherUser = &userBrief{UserID: other.UserID, Name: other.Name, AvatarURL: other.AvatarURL}
	return view
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, user *identity.User) {
	convs, err := s.conversations.ListForUser(r.Context(), user.UserID)
	if err != nil {
		s.serverError(w, r, "list conversations", err)
		return
	}
	views := make([]*conversationView, 0, len(convs))
	for _, conv := range convs {
		views = append(views, s.conversationView(r.Context(), conv, user.UserID))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"conversations": views,
	})
}

type createConversationRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	Name           string   `json:"name"`
	IsGroup        bool     `json:"isGroup"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request, user *identity.User) {
	var req createConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.ParticipantIDs == nil {
		writeError(w, http.StatusBadRequest, "Participant IDs array is required")
		return
	}

	// The caller is always a participant.
	members := make([]string, 0, len(req.ParticipantIDs)+1)
	members = append(members, user.UserID)
	seen := map[string]struct{}{user.UserID: {}}
	for _, id := range req.ParticipantIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}

	if req.IsGroup {
		conv, err := s.conversations.CreateGroup(r.Context(), members, req.Name)
		if err != nil {
			if errors.Is(err, conversation.ErrTooFewMembers) {
				writeError(w, http.StatusBadRequest, "A group conversation needs at least two participants")
				return
			}
			s.serverError(w, r, "create group", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"success":      true,
			"conversation": s.conversationView(r.Context(), conv, user.UserID),
			"created":      true,
		})
		return
	}

	if len(members) != 2 {
		writeError(w, http.StatusBadRequest, "A direct conversation needs exactly one other participant")
		return
	}
	conv, created, err := s.conversations.CreateOrFindDirect(r.Context(), members[0], members[1])
	if err != nil {
		s.serverError(w, r, "create direct conversation", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"success":      true,
		"conversation": s.conversationView(r.Context(), conv, user.UserID),
		"created":      created,
	})
}

// loadConversationForParticipant enforces the membership check shared by
// every per-conversation route: 404 when absent, 403 when the caller is not
// in participantIds. A nil return means the response was already written.
func (s *Server) loadConversationForParticipant(w http.ResponseWriter, r *http.Request, userID string) *conversation.Conversation {
	conversationID := r.PathValue("conversationId")
	conv, err := s.conversations.GetByID(r.Context(), conversationID)
	if err != nil {
		s.serverError(w, r, "load conversation", err)
		return nil
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return nil
	}
	if !conv.HasParticipant(userID) {
		writeError(w, http.StatusForbidden, "You are not a participant in this conversation")
		return nil
	}
	return conv
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, user *identity.User) {
	conv := s.loadConversationForParticipant(w, r, user.UserID)
	if conv == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"conversation": s.conversationView(r.Context(), conv, user.UserID),
	})
}
