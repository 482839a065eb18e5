// Package router turns sendMessage payloads into stored, fanned-out chat
// messages.
package router

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"schoolchat/internal/metrics"
	"schoolchat/internal/websocket"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// Config limits what a single connection may send.
type Config struct {
	RateLimitPerMin  int
	MaxContentLength int
}

// Router validates, persists and fans out messages. Persistence completes
// before fan-out so a history request made after an echo always sees it.
type Router struct {
	registry    *websocket.Registry
	repo        interfaces.MessageRepository
	rateLimiter *RateLimiter
	maxContent  int
	logger      zerolog.Logger
	now         func() time.Time
}

// NewRouter creates a router. Zero config values fall back to 100 messages
// per minute and 4096 characters.
func NewRouter(registry *websocket.Registry, repo interfaces.MessageRepository, cfg Config, logger zerolog.Logger) *Router {
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 100
	}
	if cfg.MaxContentLength <= 0 || cfg.MaxContentLength > 4096 {
		cfg.MaxContentLength = 4096
	}
	return &Router{
		registry:    registry,
		repo:        repo,
		rateLimiter: NewRateLimiter(cfg.RateLimitPerMin, time.Minute),
		maxContent:  cfg.MaxContentLength,
		logger:      logger.With().Str("component", "router").Logger(),
		now:         time.Now,
	}
}

// RouteMessage stores payload as a new message and emits newMessage to
// every member of its room, the sender included. The sender must have
// joined the room on this connection.
func (r *Router) RouteMessage(ctx context.Context, sender *websocket.Connection, payload types.SendMessagePayload) (*types.Message, error) {
	if err := r.ValidateMessage(sender, payload); err != nil {
		return nil, err
	}

	if !r.rateLimiter.Allow(sender.ID()) {
		metrics.RateLimitHits.Inc()
		return nil, ErrRateLimitExceeded
	}

	message := &types.Message{
		ID:        ulid.Make().String(),
		Content:   payload.Content,
		Sender:    payload.Sender,
		CreatedAt: r.now().UTC(),
		Room:      payload.Room,
	}

	if r.repo != nil {
		if err := r.repo.StoreMessage(ctx, message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistFailed, err)
		}
	}

	for _, conn := range r.registry.RoomMembers(message.Room) {
		if err := conn.Emit(types.EventNewMessage, message); err != nil {
			r.logger.Warn().Err(err).Str("conn_id", conn.ID()).Str("room", message.Room.String()).Msg("failed to deliver message")
		}
	}
	metrics.MessagesRouted.Inc()

	return message, nil
}

// ValidateMessage checks payload shape, length and room membership.
func (r *Router) ValidateMessage(sender *websocket.Connection, payload types.SendMessagePayload) error {
	if sender == nil {
		return ErrSenderNotConnected
	}
	if err := payload.Validate(); err != nil {
		return err
	}
	if utf8.RuneCountInString(payload.Content) > r.maxContent {
		return fmt.Errorf("%w: limit is %d", types.ErrContentTooLarge, r.maxContent)
	}
	if !r.registry.IsMember(sender, payload.Room) {
		return ErrSenderNotInRoom
	}
	return nil
}

// CleanupRateLimits drops idle limiter state. The hub calls it periodically.
func (r *Router) CleanupRateLimits() {
	r.rateLimiter.Cleanup()
}
