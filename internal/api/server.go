// Package api is the relay's HTTP surface: health, the room directory,
// stored history, Prometheus metrics and the WebSocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"schoolchat/internal/roomkey"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// Registry is the part of websocket.Registry the API reads.
type Registry interface {
	ActiveRooms() []types.RoomKey
	GetStats() map[string]int
}

type Config struct {
	// HistoryLimit caps ?limit on the messages endpoint. Zero means no cap.
	HistoryLimit int
	// MaxBodySize bounds request bodies in bytes.
	MaxBodySize int64
}

type Server struct {
	repo     interfaces.MessageRepository
	registry Registry
	cfg      Config
	logger   zerolog.Logger
	started  time.Time
	router   *chi.Mux
}

// NewServer builds the router. ws is mounted on /ws when non-nil.
func NewServer(repo interfaces.MessageRepository, registry Registry, ws http.Handler, cfg Config, logger zerolog.Logger) *Server {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 8 * 1024
	}
	s := &Server{
		repo:     repo,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "api").Logger(),
		started:  time.Now(),
		router:   chi.NewRouter(),
	}
	s.setupRoutes(ws)
	return s
}

func (s *Server) setupRoutes(ws http.Handler) {
	r := s.router

	r.Use(Metrics)
	r.Use(SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Use(MaxBodySize(s.cfg.MaxBodySize))
		r.Get("/rooms", s.listRooms)
		r.Get("/rooms/{room}/messages", s.roomMessages)
	})

	if ws != nil {
		r.Handle("/ws", ws)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type Check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status      string           `json:"status"` // "healthy" or "degraded"
	Timestamp   string           `json:"timestamp"`
	Uptime      string           `json:"uptime"`
	Checks      map[string]Check `json:"checks"`
	Connections map[string]int   `json:"connections"`
}

type RoomsResponse struct {
	Rooms []types.RoomKey `json:"rooms"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// health reports 503 when the message repository does not answer.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	checks := make(map[string]Check)
	if s.repo == nil {
		checks["storage"] = Check{Status: "fail", Message: "not configured"}
		status, code = "degraded", http.StatusServiceUnavailable
	} else {
		start := time.Now()
		if err := s.repo.HealthCheck(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("storage health check failed")
			checks["storage"] = Check{Status: "fail", Message: err.Error()}
			status, code = "degraded", http.StatusServiceUnavailable
		} else {
			checks["storage"] = Check{Status: "pass", Latency: time.Since(start).String()}
		}
	}

	s.writeJSON(w, code, HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Checks:      checks,
		Connections: s.registry.GetStats(),
	})
}

// listRooms returns stored and currently active rooms, optionally narrowed
// with ?counterpart= and ?subject=.
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	seen := make(map[types.RoomKey]struct{})
	for _, room := range s.registry.ActiveRooms() {
		seen[room] = struct{}{}
	}
	if s.repo != nil {
		stored, err := s.repo.ListRooms(r.Context())
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to list rooms")
			s.writeError(w, http.StatusInternalServerError, "Failed to list rooms")
			return
		}
		for _, room := range stored {
			seen[room] = struct{}{}
		}
	}

	rooms := make([]types.RoomKey, 0, len(seen))
	for room := range seen {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })

	q := r.URL.Query()
	rooms = roomkey.FilterRooms(rooms, q.Get("counterpart"), q.Get("subject"))
	s.writeJSON(w, http.StatusOK, RoomsResponse{Rooms: rooms})
}

func (s *Server) roomMessages(w http.ResponseWriter, r *http.Request) {
	room := types.RoomKey(chi.URLParam(r, "room"))
	if !types.IsValidRoomKey(room) {
		s.writeError(w, http.StatusBadRequest, types.ErrInvalidRoomKey.Error())
		return
	}

	limit := s.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if s.cfg.HistoryLimit <= 0 || n < s.cfg.HistoryLimit {
			limit = n
		}
	}

	messages := []types.Message{}
	if s.repo != nil {
		stored, err := s.repo.RoomHistory(r.Context(), room, limit)
		if err != nil {
			s.logger.Error().Err(err).Str("room", room.String()).Msg("failed to load history")
			s.writeError(w, http.StatusInternalServerError, "Failed to load history")
			return
		}
		messages = append(messages, stored...)
	}
	s.writeJSON(w, http.StatusOK, types.HistoryPayload{Room: room, Messages: messages})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
