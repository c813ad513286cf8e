package server

import (
	"net/http"

	"chatservice/internal/identity"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, _ *identity.User) {
	users, err := s.users.ListAll(r.Context(), 0)
	if err != nil {
		s.serverError(w, r, "list users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"users":   users,
	})
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request, _ *identity.User) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "Search query is required")
		return
	}
	users, err := s.users.SearchByNamePrefix(r.Context(), query)
	if err != nil {
		s.serverError(w, r, "search users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"users":   users,
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, _ *identity.User) {
	user, err := s.users.GetByID(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.serverError(w, r, "load user", err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
	})
}
