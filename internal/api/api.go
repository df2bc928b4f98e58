// Package api exposes the hub over HTTP: the WebSocket upgrade path,
// a health check, and a small JSON API for snapshots and authenticated
// identity registration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/lucid-hq/lucid/internal/hub"
	"github.com/lucid-hq/lucid/internal/identity"
	"github.com/lucid-hq/lucid/internal/protocol"
	"github.com/lucid-hq/lucid/internal/store"
)

// DefaultRoom receives connections that do not name a room.
const DefaultRoom = "global"

const recentWindow = time.Hour

// Server wires the HTTP surface to the room registry and the optional
// collaborators. store and verifier may be nil; the endpoints that
// need them answer 503.
type Server struct {
	// ctx is the server lifetime context; WebSocket clients outlive
	// their upgrade request, so they hang off this instead.
	ctx      context.Context
	rooms    *hub.Registry
	store    *store.Store
	verifier *identity.Verifier
}

// New creates the HTTP server surface.
func New(ctx context.Context, rooms *hub.Registry, st *store.Store, verifier *identity.Verifier) *Server {
	return &Server{ctx: ctx, rooms: rooms, store: st, verifier: verifier}
}

// Routes builds the chi router for the server.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/agents", s.handleAgents)
		r.Get("/agents/recent", s.handleRecentAgents)
		r.Post("/agents/register", s.handleRegisterIdentity)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleWS upgrades the connection and hands it to the named room's
// actor. The room routing decision is made exactly once, here.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		room = DefaultRoom
	}
	h := s.rooms.Get(room)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Allow connections from any origin in development.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("websocket accept error", "room", room, "error", err)
		return
	}

	client := hub.NewClient(h, conn, s.ctx)
	sess := h.Accept(s.ctx, client)
	if sess == nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go client.ReadPump()
	go client.WritePump()
	go client.HeartbeatLoop()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"goroutines":  runtime.NumGoroutine(),
		"connections": s.rooms.SessionCount(),
		"rooms":       s.rooms.RoomCount(),
	})
}

// handleAgents returns the default room's live snapshot, read through
// the actor so it is never partial.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	snap, err := s.rooms.Get(DefaultRoom).Snapshot(r.Context())
	if err != nil {
		http.Error(w, "room unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Agents []protocol.AgentRecord `json:"agents"`
		Stats  protocol.Stats         `json:"stats"`
	}{snap.Agents, snap.Stats})
}

// handleRecentAgents queries the durable mirror for agents active or
// dreaming within the last hour, most recent first, capped at 50.
func (s *Server) handleRecentAgents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "durable store disabled", http.StatusServiceUnavailable)
		return
	}
	agents, err := s.store.RecentAgents(recentWindow, 50)
	if err != nil {
		slog.Error("recent agents query failed", "error", err)
		http.Error(w, "store query failed", http.StatusInternalServerError)
		return
	}
	if agents == nil {
		agents = []protocol.AgentRecord{}
	}
	writeJSON(w, http.StatusOK, struct {
		Agents []protocol.AgentRecord `json:"agents"`
	}{agents})
}

// handleRegisterIdentity verifies the caller's bearer credential
// against the directory service and upserts a durable agent row for
// the resolved identity. Live room state is never touched here.
func (s *Server) handleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		http.Error(w, "identity verification disabled", http.StatusServiceUnavailable)
		return
	}

	credential, ok := bearerToken(r)
	if !ok {
		http.Error(w, "missing bearer credential", http.StatusUnauthorized)
		return
	}

	id, err := s.verifier.Verify(r.Context(), credential)
	if err != nil {
		if errors.Is(err, identity.ErrUnknownAgent) {
			http.Error(w, "not a recognized agent", http.StatusUnauthorized)
			return
		}
		slog.Error("identity verification failed", "error", err)
		http.Error(w, "directory service unavailable", http.StatusBadGateway)
		return
	}

	if s.store != nil {
		name := id.DisplayName
		if name == "" {
			name = id.Username
		}
		rec := protocol.AgentRecord{
			ID:          id.ExternalID,
			Name:        name,
			Status:      protocol.StatusActive,
			ConnectedAt: time.Now().UnixMilli(),
			Motifs:      []string{},
		}
		if err := s.store.UpsertAgent(rec, time.Now()); err != nil {
			// Best-effort mirror; the identity result still stands.
			slog.Warn("durable agent upsert failed", "agent", id.ExternalID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, id)
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	return token, token != ""
}
