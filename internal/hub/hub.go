// Package hub runs the relay event loop. Every inbound event from every
// connection is handled by one goroutine, so room membership changes,
// stores and history reads are applied in arrival order.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"schoolchat/internal/metrics"
	"schoolchat/internal/router"
	"schoolchat/internal/websocket"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// Config sizes the hub.
type Config struct {
	HistoryLimit    int
	QueueSize       int
	OpTimeout       time.Duration
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		HistoryLimit:    200,
		QueueSize:       1000,
		OpTimeout:       5 * time.Second,
		CleanupInterval: time.Minute,
	}
}

type inbound struct {
	conn *websocket.Connection
	env  types.Envelope
}

// Hub implements websocket.Dispatcher.
type Hub struct {
	events   chan inbound
	shutdown chan struct{}
	stopped  chan struct{}

	registry *websocket.Registry
	router   *router.Router
	repo     interfaces.MessageRepository
	cfg      Config
	logger   zerolog.Logger

	running bool
	mu      sync.RWMutex
}

var _ websocket.Dispatcher = (*Hub)(nil)

func NewHub(registry *websocket.Registry, r *router.Router, repo interfaces.MessageRepository, cfg Config, logger zerolog.Logger) *Hub {
	defaults := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaults.OpTimeout
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	return &Hub{
		events:   make(chan inbound, cfg.QueueSize),
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
		registry: registry,
		router:   r,
		repo:     repo,
		cfg:      cfg,
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

// Start launches the loop. It runs until Stop or ctx is cancelled.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.shutdown:
		return ErrHubNotRunning
	default:
	}
	h.running = true

	h.logger.Info().Msg("starting relay hub")
	go h.run(ctx)
	return nil
}

// Stop ends the loop and waits for the event in progress to finish.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	<-h.stopped
	h.logger.Info().Msg("relay hub stopped")
	return nil
}

// Dispatch queues env for the loop. When the queue is full the sender gets
// an error event instead.
func (h *Hub) Dispatch(conn *websocket.Connection, env types.Envelope) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		h.reject(conn, env.Event, "", ErrHubNotRunning)
		return
	}

	select {
	case h.events <- inbound{conn: conn, env: env}:
	default:
		h.reject(conn, env.Event, "", ErrEventQueueFull)
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.stopped)

	ticker := time.NewTicker(h.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-h.events:
			h.handle(ctx, ev)
		case <-ticker.C:
			h.router.CleanupRateLimits()
		case <-h.shutdown:
			return
		case <-ctx.Done():
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdown)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handle(ctx context.Context, ev inbound) {
	opCtx, cancel := context.WithTimeout(ctx, h.cfg.OpTimeout)
	defer cancel()

	var (
		room types.RoomKey
		err  error
	)
	switch ev.env.Event {
	case types.EventJoinRoom:
		room, err = h.handleJoin(opCtx, ev)
	case types.EventLeaveRoom:
		room, err = h.handleLeave(ev)
	case types.EventSendMessage:
		room, err = h.handleSend(opCtx, ev)
	case types.EventGetMessages:
		room, err = h.handleHistory(opCtx, ev)
	case types.EventGetAllRooms:
		err = h.handleRooms(opCtx, ev)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownEvent, ev.env.Event)
	}

	if err != nil {
		metrics.RelayEvents.WithLabelValues(eventLabel(ev.env.Event), "error").Inc()
		h.logger.Debug().Err(err).Str("event", ev.env.Event).Str("conn_id", ev.conn.ID()).Msg("event rejected")
		h.reject(ev.conn, ev.env.Event, room, err)
		return
	}
	metrics.RelayEvents.WithLabelValues(ev.env.Event, "ok").Inc()
}

func (h *Hub) handleJoin(ctx context.Context, ev inbound) (types.RoomKey, error) {
	var p types.RoomPayload
	if err := decode(ev.env, &p); err != nil {
		return "", err
	}
	joined, err := h.registry.Join(ev.conn, p.Room)
	if err != nil {
		return p.Room, err
	}
	if joined && h.repo != nil {
		if err := h.repo.TouchRoom(ctx, p.Room); err != nil {
			h.logger.Warn().Err(err).Str("room", p.Room.String()).Msg("failed to record room")
		}
	}
	return p.Room, nil
}

func (h *Hub) handleLeave(ev inbound) (types.RoomKey, error) {
	var p types.RoomPayload
	if err := decode(ev.env, &p); err != nil {
		return "", err
	}
	h.registry.Leave(ev.conn, p.Room)
	return p.Room, nil
}

func (h *Hub) handleSend(ctx context.Context, ev inbound) (types.RoomKey, error) {
	var p types.SendMessagePayload
	if err := json.Unmarshal(ev.env.Data, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	_, err := h.router.RouteMessage(ctx, ev.conn, p)
	return p.Room, err
}

func (h *Hub) handleHistory(ctx context.Context, ev inbound) (types.RoomKey, error) {
	var p types.RoomPayload
	if err := decode(ev.env, &p); err != nil {
		return "", err
	}

	messages := []types.Message{}
	if h.repo != nil {
		stored, err := h.repo.RoomHistory(ctx, p.Room, h.cfg.HistoryLimit)
		if err != nil {
			return p.Room, fmt.Errorf("%w: %v", types.ErrHistoryFetchFailed, err)
		}
		messages = append(messages, stored...)
	}
	return p.Room, ev.conn.Emit(types.EventMessageHistory, types.HistoryPayload{Room: p.Room, Messages: messages})
}

// handleRooms replies with every stored room plus any room that currently
// has members but nothing stored.
func (h *Hub) handleRooms(ctx context.Context, ev inbound) error {
	seen := make(map[types.RoomKey]struct{})
	for _, room := range h.registry.ActiveRooms() {
		seen[room] = struct{}{}
	}
	if h.repo != nil {
		stored, err := h.repo.ListRooms(ctx)
		if err != nil {
			return err
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
	return ev.conn.Emit(types.EventAllRooms, rooms)
}

func (h *Hub) reject(conn *websocket.Connection, event string, room types.RoomKey, cause error) {
	if conn == nil {
		return
	}
	payload := types.ErrorPayload{Event: event, Room: room, Message: cause.Error()}
	if err := conn.Emit(types.EventError, payload); err != nil && !errors.Is(err, websocket.ErrConnectionClosed) {
		h.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("failed to send error event")
	}
}

func decode(env types.Envelope, p *types.RoomPayload) error {
	if err := json.Unmarshal(env.Data, p); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return p.Validate()
}

// eventLabel keeps client-chosen names out of metric labels.
func eventLabel(event string) string {
	switch event {
	case types.EventJoinRoom, types.EventLeaveRoom, types.EventSendMessage,
		types.EventGetMessages, types.EventGetAllRooms:
		return event
	}
	return "unknown"
}
