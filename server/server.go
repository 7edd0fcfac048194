// ABOUTME: HTTP surface: health, auth endpoints, and the user-scoped session REST API.
// ABOUTME: Every /api and /ws route passes through the bearer-token middleware.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/2389-research/mahout/agent"
	"github.com/2389-research/mahout/auth"
	"github.com/2389-research/mahout/llm"
	"github.com/2389-research/mahout/store"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Server wires the session manager, storage, and auth behind HTTP.
type Server struct {
	cfg      *Config
	manager  *agent.Manager
	index    *store.Index
	syncer   *store.Syncer
	jwt      *auth.JWTManager
	vault    *auth.TokenVault
	routers  agent.RouterFactory
	upgrader websocket.Upgrader
}

// New builds a Server. routers is used when resuming persisted sessions.
func New(cfg *Config, manager *agent.Manager, index *store.Index, syncer *store.Syncer,
	jwtMgr *auth.JWTManager, vault *auth.TokenVault, routers agent.RouterFactory) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		index:   index,
		syncer:  syncer,
		jwt:     jwtMgr,
		vault:   vault,
		routers: routers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/auth/logout", s.handleLogout)
		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Delete("/{sessionID}", s.handleDeleteSession)
		})
		r.Get("/ws/{sessionID}", s.handleWS)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func requestUserID(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.jwt.Verify(token)
		if err != nil {
			httpError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"user_id"`
		HubToken    string `json:"hub_token"`
		ProviderKey string `json:"provider_key,omitempty"`
		DisplayName string `json:"display_name,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.HubToken == "" {
		httpError(w, http.StatusBadRequest, "user_id and hub_token are required")
		return
	}

	err := s.vault.Store(auth.Credential{
		UserID:      req.UserID,
		HubToken:    req.HubToken,
		ProviderKey: req.ProviderKey,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "could not store credentials")
		return
	}

	token, err := s.jwt.Issue(req.UserID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.jwt.Revoke(bearerToken(r)); err != nil {
		httpError(w, http.StatusBadRequest, "invalid token")
		return
	}
	s.vault.Delete(requestUserID(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	includeArchived := q.Get("include_archived") == "1" || q.Get("include_archived") == "true"

	entries, err := s.index.ListByUser(requestUserID(r), limit, offset, includeArchived)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if entries == nil {
		entries = []store.SessionIndexEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": entries})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := s.manager.CreateSession(requestUserID(r), s.sessionConfig())
	if err != nil {
		httpError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := requestUserID(r)

	rec, found, err := s.index.Get(sessionID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		// A freshly created session may not have flushed yet.
		if live, ok := s.manager.Get(sessionID); ok {
			if live.UserID != userID {
				httpError(w, http.StatusForbidden, "not your session")
				return
			}
			writeJSON(w, http.StatusOK, SnapshotSession(live))
			return
		}
		httpError(w, http.StatusNotFound, "unknown session")
		return
	}
	if rec.UserID != userID {
		httpError(w, http.StatusForbidden, "not your session")
		return
	}
	if rec.Status == store.StatusDeleted {
		httpError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := requestUserID(r)

	rec, found, err := s.index.Get(sessionID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	live, isLive := s.manager.Get(sessionID)
	if !found && !isLive {
		httpError(w, http.StatusNotFound, "unknown session")
		return
	}

	owner := rec.UserID
	if !found {
		owner = live.UserID
	}
	if owner != userID {
		httpError(w, http.StatusForbidden, "not your session")
		return
	}

	// Shutting the live loop down flushes a final snapshot into the index,
	// so the soft delete below always has a row to mark.
	if isLive {
		s.manager.DeleteSession(sessionID)
	}
	if _, err := s.index.SoftDelete(sessionID, userID); err != nil {
		httpError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionConfig() agent.Config {
	return agent.Config{
		Model:        s.cfg.Model.Name,
		Provider:     s.cfg.Model.Provider,
		SystemPrompt: s.cfg.SystemPrompt,
		YOLO:         s.cfg.YOLO,
		Context: agent.ContextConfig{
			MaxContext:      s.cfg.Context.MaxTokens,
			CompactFraction: s.cfg.Context.CompactFraction,
			UntouchedTail:   s.cfg.Context.UntouchedTail,
			Counter:         llm.NewTiktokenCounter(s.cfg.Model.Name),
		},
	}
}
