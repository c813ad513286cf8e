package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"chatservice/internal/conversation"
	"chatservice/internal/identity"
	"chatservice/internal/message"
	"chatservice/internal/ratelimit"
	"chatservice/internal/receipt"
	"chatservice/internal/usertoken"
	"chatservice/internal/util"
	"chatservice/pkg/auth"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	Users         *identity.Directory
	Conversations *conversation.Directory
	Messages      *message.Log
	Receipts      *receipt.Tracker
	Tokens        *usertoken.Manager
	Hasher        auth.PasswordHasher

	// Gateway, when set, is mounted at /ws.
	Gateway http.Handler

	RegisterLimiter *ratelimit.FixedWindowLimiter
	LoginLimiter    *ratelimit.FixedWindowLimiter

	Logger     *slog.Logger
	TrustProxy bool
}

// Server exposes the REST surface of the chat service.
type Server struct {
	users         *identity.Directory
	conversations *conversation.Directory
	messages      *message.Log
	receipts      *receipt.Tracker
	tokens        *usertoken.Manager
	hasher        auth.PasswordHasher

	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter

	logger     *slog.Logger
	trustProxy bool
	mux        *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		users:           cfg.Users,
		conversations:   cfg.Conversations,
		messages:        cfg.Messages,
		receipts:        cfg.Receipts,
		tokens:          cfg.Tokens,
		hasher:          cfg.Hasher,
		registerLimiter: cfg.RegisterLimiter,
		loginLimiter:    cfg.LoginLimiter,
		logger:          logger,
		trustProxy:      cfg.TrustProxy,
		mux:             http.NewServeMux(),
	}
	s.routes(cfg.Gateway)
	return s
}

// Router returns the configured handler with the shared middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes(gateway http.Handler) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.Handle("GET /api/auth/profile", s.withUser(s.handleGetProfile))
	s.mux.Handle("PUT /api/auth/profile", s.withUser(s.handleUpdateProfile))

	s.mux.Handle("GET /api/conversations", s.withUser(s.handleListConversations))
	s.mux.Handle("POST /api/conversations", s.withUser(s.handleCreateConversation))
	s.mux.Handle("GET /api/conversations/{conversationId}", s.withUser(s.handleGetConversation))
	s.mux.Handle("GET /api/conversations/{conversationId}/messages", s.withUser(s.handleListMessages))
	s.mux.Handle("POST /api/conversations/{conversationId}/messages", s.withUser(s.handleSendMessage))
	s.mux.Handle("PUT /api/conversations/{conversationId}/messages/{messageId}", s.withUser(s.handleUpdateMessage))
	s.mux.Handle("DELETE /api/conversations/{conversationId}/messages/{messageId}", s.withUser(s.handleDeleteMessage))

	s.mux.Handle("GET /api/users", s.withUser(s.handleListUsers))
	s.mux.Handle("GET /api/users/search", s.withUser(s.handleSearchUsers))
	s.mux.Handle("GET /api/users/{userId}", s.withUser(s.handleGetUser))

	if gateway != nil {
		s.mux.Handle("/ws", gateway)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, *identity.User)

// withUser authenticates the bearer token and loads the caller's profile.
// Authentication failures answer HTTP 200 with success=false; the frontend
// contract predates this service and treats the flag, not the status, as
// authoritative.
func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeAuthFailure(w, "Authentication required. Please provide a valid token.")
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeAuthFailure(w, "Authentication failed. Token is invalid or expired.")
			return
		}
		user, err := s.users.GetByID(r.Context(), claims.UserID)
		if err != nil {
			s.serverError(w, r, "load caller", err)
			return
		}
		if user == nil {
			writeAuthFailure(w, "User not found or token is invalid.")
			return
		}
		next(w, r, user)
	})
}

// allowRate charges one request against the limiter; nil means unlimited.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter) bool {
	if limiter == nil {
		return true
	}
	if limiter.Allow(util.ClientIP(r, s.trustProxy)) {
		return true
	}
	writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
	return false
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed", "requestId", util.RequestIDFromRequest(r), "error", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}

func writeAuthFailure(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
