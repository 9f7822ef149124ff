package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/visionwatch/backend/internal/backend"
	"github.com/visionwatch/backend/internal/stats"
)

// Server exposes the core's surface to the UI layer: a websocket push
// channel for monitoring results and status, and HTTP endpoints for
// priority queries and monitoring control.
type Server struct {
	backend     *backend.Backend
	broadcaster *Broadcaster
	tracker     *stats.Tracker
}

func NewServer(b *backend.Backend, broadcaster *Broadcaster, tracker *stats.Tracker) *Server {
	return &Server{
		backend:     b,
		broadcaster: broadcaster,
		tracker:     tracker,
	}
}

// Status builds the current status snapshot. Also used by the
// broadcaster's periodic status push.
func (s *Server) Status() StatusPayload {
	return StatusPayload{
		Ready:   s.backend.Ready(),
		Paused:  s.backend.Paused(),
		Clients: s.broadcaster.ClientCount(),
		Stats:   s.tracker.Snapshot(),
		Host:    stats.Host(),
	}
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/query", s.handleQuery)
	mux.HandleFunc("/api/pause", s.handlePause)
	mux.HandleFunc("/api/resume", s.handleResume)
	mux.HandleFunc("/api/abort", s.handleAbort)
	mux.HandleFunc("/api/status", s.handleStatus)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade error", "err", err)
		return
	}

	slog.Info("websocket client connected", "addr", r.RemoteAddr)
	c := s.broadcaster.AddClient(conn)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			slog.Info("websocket client disconnected", "addr", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleQuery runs a priority query against an uploaded frame. Blocks
// until the backend answers or its hard timeout fires; a second query
// while one is pending is rejected with 409.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt required", http.StatusBadRequest)
		return
	}

	img, err := DecodeFrame(req.Image)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid image: %v", err), http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	slog.Info("priority query", "id", id, "prompt", req.Prompt)

	res, err := s.backend.RunQuery(img, req.Prompt)
	if err != nil {
		if errors.Is(err, backend.ErrBusy) {
			http.Error(w, "a query is already pending", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QueryResponse{
		ID:        id,
		Answer:    res.Answer,
		ElapsedMS: res.Elapsed.Milliseconds(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.backend.PauseMonitoring()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.backend.ResumeMonitoring()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.backend.AbortCurrent()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Status())
}

// ListenAndServe binds the HTTP server.
func ListenAndServe(host string, port int, mux *http.ServeMux) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	slog.Info("listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}
