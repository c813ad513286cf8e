package server

import (
	"errors"
	"net/http"

	"chatservice/internal/identity"
)

type registerRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	AvatarURL string `json:"avatarUrl"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.registerLimiter) {
		return
	}
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Name == "" || req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Name, email and password are required")
		return
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		s.serverError(w, r, "hash password", err)
		return
	}
	user, err := s.users.Create(r.Context(), req.Email, req.Name, hash, req.AvatarURL)
	if err != nil {
		if errors.Is(err, identity.ErrDuplicateEmail) {
			writeError(w, http.StatusBadRequest, "Email is already registered")
			return
		}
		s.serverError(w, r, "create user", err)
		return
	}

	// Auto-login so the client gets a token in the same round trip.
	user, token, err := s.users.VerifyCredentials(r.Context(), user.Email, req.Password)
	if err != nil {
		s.serverError(w, r, "post-register login", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"user":    user,
		"token":   token,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter) {
		return
	}
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Please provide email and password")
		return
	}

	user, token, err := s.users.VerifyCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		// Unknown email and wrong password collapse to one message so the
		// response does not reveal which emails exist.
		if errors.Is(err, identity.ErrUnknownEmail) || errors.Is(err, identity.ErrWrongPassword) {
			writeAuthFailure(w, "Invalid email or password")
			return
		}
		s.serverError(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
		"token":   token,
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, _ *http.Request, user *identity.User) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    user,
	})
}

type updateProfileRequest struct {
	Name      *string `json:"name"`
	AvatarURL *string `json:"avatarUrl"`
	Status    *string `json:"status"`
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, user *identity.User) {
	var req updateProfileRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	updated, err := s.users.UpdateProfile(r.Context(), user.UserID, identity.ProfilePatch{
		Name:      req.Name,
		AvatarURL: req.AvatarURL,
		Status:    req.Status,
	})
	if err != nil {
		if errors.Is(err, identity.ErrEmptyPatch) {
			writeError(w, http.StatusBadRequest, "No updatable fields provided")
			return
		}
		s.serverError(w, r, "update profile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    updated,
	})
}
