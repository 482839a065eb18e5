package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"schoolchat/internal/config"
	"schoolchat/internal/metrics"
	"schoolchat/pkg/types"
)

const maxFrameSize = 64 << 10

var upgrader = websocket.Upgrader{
	// Mobile clients do not send an Origin the relay could check.
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Dispatcher handles decoded inbound events. Dispatch is called from the
// connection's read goroutine, one frame at a time.
type Dispatcher interface {
	Dispatch(conn *Connection, env types.Envelope)
}

// Handler upgrades relay requests and runs their read pumps.
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	cfg        config.WebSocketConfig
	logger     zerolog.Logger
}

// NewHandler creates a handler. A nil cfg uses the default websocket settings.
func NewHandler(registry *Registry, dispatcher Dispatcher, cfg *config.WebSocketConfig, logger zerolog.Logger) *Handler {
	defaults := config.DefaultConfig().WebSocket
	if cfg == nil {
		cfg = defaults
	}
	c := *cfg
	if c.PingInterval <= 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	return &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        c,
		logger:     logger.With().Str("component", "websocket").Logger(),
	}
}

// HandleWebSocket upgrades the request. The optional user_id query
// parameter only labels the connection in logs; the relay trusts the
// sender field of each message like the original socket server does.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID != "" && !types.IsValidActorID(userID) {
		http.Error(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	wsConn := NewConnection(conn, userID, h.cfg.BufferSize)
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		h.logger.Error().Err(err).Msg("failed to register connection")
		_ = wsConn.Close()
		return
	}
	h.logger.Debug().Str("conn_id", wsConn.ID()).Str("user_id", userID).Msg("connection opened")

	go h.handleConnection(wsConn)
}

func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		h.logger.Debug().Str("conn_id", conn.ID()).Msg("connection closed")
	}()

	ws := conn.conn
	ws.SetReadLimit(maxFrameSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("websocket read error")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			metrics.RelayEvents.WithLabelValues("unknown", "error").Inc()
			_ = conn.Emit(types.EventError, types.ErrorPayload{Message: ErrMalformedFrame.Error()})
			continue
		}
		h.dispatcher.Dispatch(conn, env)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
