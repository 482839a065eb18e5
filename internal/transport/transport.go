// Package transport is the client side of the chat wire protocol: one
// WebSocket connection per process, shared by every RoomSession.
//
// The transport only tracks which rooms it has joined on the current
// connection. On disconnect that set is cleared and it is up to the
// sessions to join again once the state listener reports Connected.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"schoolchat/internal/metrics"
	"schoolchat/pkg/types"
)

const kindState types.EventKind = "connState"

// Config holds the connection and reconnect parameters.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	ReconnectJitter  float64
	SendBuffer       int
}

// DefaultConfig returns the defaults for a relay at rawURL.
func DefaultConfig(rawURL string) Config {
	return Config{
		URL:              rawURL,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     25 * time.Second,
		ReconnectBase:    500 * time.Millisecond,
		ReconnectMax:     30 * time.Second,
		ReconnectJitter:  0.2,
		SendBuffer:       100,
	}
}

// Dialer opens the underlying WebSocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type subscriber struct {
	id      uint64
	handler types.Handler
	state   func(types.ConnState)
}

// Transport implements interfaces.Transport over gorilla/websocket.
type Transport struct {
	cfg     Config
	dialer  Dialer
	logger  zerolog.Logger
	backoff Backoff
	events  *dispatcher

	mu             sync.Mutex
	state          types.ConnState
	conn           *websocket.Conn
	writeCh        chan []byte
	done           chan struct{}
	joined         map[types.RoomKey]struct{}
	pendingHistory []types.RoomKey
	attempt        int
	timer          *time.Timer
	closed         bool

	subMu  sync.RWMutex
	nextID uint64
	subs   map[types.EventKind][]subscriber
}

// New creates a disconnected transport. A nil dialer means
// websocket.DefaultDialer.
func New(cfg Config, dialer Dialer, logger zerolog.Logger) (*Transport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, cfg.URL)
	}
	def := DefaultConfig(cfg.URL)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Transport{
		cfg:     cfg,
		dialer:  dialer,
		logger:  logger.With().Str("component", "transport").Logger(),
		backoff: Backoff{Base: cfg.ReconnectBase, Max: cfg.ReconnectMax, Jitter: cfg.ReconnectJitter},
		events:  newDispatcher(),
		joined:  make(map[types.RoomKey]struct{}),
		subs:    make(map[types.EventKind][]subscriber),
	}, nil
}

// Connect dials the relay unless a connection is already up or being
// established. On failure the transport goes back to Disconnected and
// schedules a reconnect.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state != types.ConnDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.stopTimerLocked()
	t.setStateLocked(types.ConnConnecting)
	t.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	conn, _, err := t.dialer.DialContext(dctx, t.cfg.URL, nil)
	cancel()

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.setStateLocked(types.ConnDisconnected)
		t.scheduleReconnectLocked()
		t.logger.Warn().Err(err).Str("url", t.cfg.URL).Msg("connect failed")
		return fmt.Errorf("%w: %w", types.ErrTransportUnavailable, err)
	}
	if t.closed {
		conn.Close()
		return ErrClosed
	}

	t.conn = conn
	t.writeCh = make(chan []byte, t.cfg.SendBuffer)
	t.done = make(chan struct{})
	t.attempt = 0
	go t.writeLoop(conn, t.writeCh, t.done)
	go t.readLoop(conn)
	t.setStateLocked(types.ConnConnected)
	t.logger.Info().Str("url", t.cfg.URL).Msg("connected")
	return nil
}

// State returns the current connection state.
func (t *Transport) State() types.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Joined reports whether room was joined on the current connection.
func (t *Transport) Joined(room types.RoomKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.joined[room]
	return ok
}

// JoinRoom emits joinRoom unless room is already joined.
func (t *Transport) JoinRoom(room types.RoomKey) error {
	payload := types.RoomPayload{Room: room}
	if err := payload.Validate(); err != nil {
		return err
	}
	raw, err := frame(types.EventJoinRoom, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.joined[room]; ok {
		return nil
	}
	if err := t.writeLocked(types.EventJoinRoom, raw); err != nil {
		return err
	}
	t.joined[room] = struct{}{}
	return nil
}

// LeaveRoom emits leaveRoom if room is joined.
func (t *Transport) LeaveRoom(room types.RoomKey) error {
	raw, err := frame(types.EventLeaveRoom, types.RoomPayload{Room: room})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.joined[room]; !ok {
		return nil
	}
	delete(t.joined, room)
	return t.writeLocked(types.EventLeaveRoom, raw)
}

// Send emits sendMessage once. There is no acknowledgement; the echo arrives
// as a newMessage event.
func (t *Transport) Send(msg types.SendMessagePayload) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	raw, err := frame(types.EventSendMessage, msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLocked(types.EventSendMessage, raw)
}

// RequestHistory emits getMessages for room. The reply is published as a
// messageHistory event.
func (t *Transport) RequestHistory(room types.RoomKey) error {
	payload := types.RoomPayload{Room: room}
	if err := payload.Validate(); err != nil {
		return err
	}
	raw, err := frame(types.EventGetMessages, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writeLocked(types.EventGetMessages, raw); err != nil {
		return err
	}
	t.pendingHistory = append(t.pendingHistory, room)
	return nil
}

// RequestRooms emits getAllRooms. The reply is published as a roomList event.
func (t *Transport) RequestRooms() error {
	raw, err := frame(types.EventGetAllRooms, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLocked(types.EventGetAllRooms, raw)
}

// Subscribe registers handler for kind. Handlers run on the transport's
// dispatch goroutine in registration order.
func (t *Transport) Subscribe(kind types.EventKind, handler types.Handler) types.Subscription {
	return t.add(kind, subscriber{handler: handler})
}

// OnStateChange registers fn for connection state transitions.
func (t *Transport) OnStateChange(fn func(types.ConnState)) types.Subscription {
	return t.add(kindState, subscriber{state: fn})
}

// Unsubscribe removes a subscription. Unknown subscriptions are ignored.
func (t *Transport) Unsubscribe(sub types.Subscription) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	list := t.subs[sub.Kind]
	for i, s := range list {
		if s.id == sub.ID {
			t.subs[sub.Kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Subscribers returns how many handlers are registered for kind.
func (t *Transport) Subscribers(kind types.EventKind) int {
	t.subMu.RLock()
	defer t.subMu.RUnlock()
	return len(t.subs[kind])
}

// Close drops the connection, cancels any pending reconnect and stops the
// dispatch goroutine once queued events have been delivered.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.stopTimerLocked()
	conn := t.conn
	t.releaseLocked()
	t.setStateLocked(types.ConnDisconnected)
	t.mu.Unlock()

	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = conn.Close()
	}
	t.events.stop()
	return err
}

func (t *Transport) add(kind types.EventKind, s subscriber) types.Subscription {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.nextID++
	s.id = t.nextID
	t.subs[kind] = append(t.subs[kind], s)
	return types.Subscription{Kind: kind, ID: s.id}
}

// publish queues delivery of ev. The handler list is read at delivery time,
// so a handler removed before then is not called.
func (t *Transport) publish(ev types.Event) {
	t.events.post(func() {
		t.subMu.RLock()
		list := append([]subscriber(nil), t.subs[ev.Kind]...)
		t.subMu.RUnlock()
		for _, s := range list {
			s.handler(ev)
		}
	})
}

func (t *Transport) setStateLocked(state types.ConnState) {
	if t.state == state {
		return
	}
	t.state = state
	t.events.post(func() {
		t.subMu.RLock()
		list := append([]subscriber(nil), t.subs[kindState]...)
		t.subMu.RUnlock()
		for _, s := range list {
			s.state(state)
		}
	})
}

// writeLocked queues an already framed event for the writer goroutine.
func (t *Transport) writeLocked(event string, raw []byte) error {
	if t.closed {
		return ErrClosed
	}
	if t.state != types.ConnConnected || t.writeCh == nil {
		return types.ErrTransportUnavailable
	}
	select {
	case t.writeCh <- raw:
		metrics.TransportEvents.WithLabelValues("out", event).Inc()
		return nil
	default:
		return ErrSendBufferFull
	}
}

// releaseLocked forgets the current connection and everything scoped to it.
func (t *Transport) releaseLocked() {
	if t.done != nil {
		close(t.done)
	}
	t.conn = nil
	t.writeCh = nil
	t.done = nil
	t.joined = make(map[types.RoomKey]struct{})
	t.pendingHistory = nil
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Transport) scheduleReconnectLocked() {
	if t.closed || t.timer != nil || t.cfg.ReconnectBase <= 0 {
		return
	}
	delay := t.backoff.Next(t.attempt)
	t.attempt++
	t.logger.Debug().Dur("delay", delay).Int("attempt", t.attempt).Msg("reconnect scheduled")
	t.timer = time.AfterFunc(delay, t.reconnect)
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	t.timer = nil
	t.mu.Unlock()

	metrics.TransportReconnects.Inc()
	if err := t.Connect(context.Background()); err != nil {
		t.logger.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

// drop handles the end of conn. It is a no-op when conn was already
// replaced or released by Close.
func (t *Transport) drop(conn *websocket.Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.releaseLocked()
	t.setStateLocked(types.ConnDisconnected)
	t.scheduleReconnectLocked()
	t.mu.Unlock()

	conn.Close()
	t.logger.Warn().Err(cause).Msg("connection lost")
}

// Single writer per connection; gorilla connections allow one concurrent writer.
func (t *Transport) writeLoop(conn *websocket.Conn, writeCh <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case data := <-writeCh:
			if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.logger.Debug().Err(err).Msg("write failed")
				conn.Close()
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	extend := func() {
		if t.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.drop(conn, err)
			return
		}
		extend()
		t.dispatch(data)
	}
}

// dispatch decodes one inbound frame and publishes it.
func (t *Transport) dispatch(data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.logger.Warn().Err(err).Msg("dropping malformed frame")
		return
	}
	metrics.TransportEvents.WithLabelValues("in", env.Event).Inc()

	switch env.Event {
	case types.EventNewMessage:
		var msg types.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			t.logger.Warn().Err(err).Msg("dropping malformed newMessage")
			return
		}
		t.publish(types.Event{Kind: types.KindNewMessage, Message: &msg})

	case types.EventReceiveMessages, types.EventMessageHistory:
		hist, err := decodeHistory(env.Data)
		if err != nil {
			t.logger.Warn().Err(err).Str("event", env.Event).Msg("dropping malformed history")
			return
		}
		room := t.claimHistory(hist.Room)
		if room == "" {
			t.logger.Warn().Msg("history reply without a matching request")
			return
		}
		t.publish(types.Event{
			Kind:    types.KindMessageHistory,
			History: &types.HistoryEvent{Room: room, Messages: hist.Messages},
		})

	case types.EventAllRooms:
		rooms, err := decodeRooms(env.Data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping malformed allRooms")
			return
		}
		t.publish(types.Event{Kind: types.KindRoomList, Rooms: rooms})

	case types.EventError:
		var p types.ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			t.logger.Warn().Err(err).Msg("dropping malformed error")
			return
		}
		t.logger.Warn().Str("event", p.Event).Str("room", p.Room.String()).Str("error", p.Message).Msg("relay rejected event")
		if p.Event != types.EventGetMessages {
			return
		}
		if room := t.claimHistory(p.Room); room != "" {
			t.publish(types.Event{
				Kind:    types.KindMessageHistory,
				History: &types.HistoryEvent{Room: room, Err: p.Message},
			})
		}

	default:
		t.logger.Debug().Str("event", env.Event).Msg("ignoring unknown event")
	}
}

// claimHistory matches a history reply to an outstanding getMessages.
// Replies that do not name their room go to the oldest request; the
// connection preserves order so that is the one being answered.
func (t *Transport) claimHistory(room types.RoomKey) types.RoomKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room != "" {
		for i, r := range t.pendingHistory {
			if r == room {
				t.pendingHistory = append(t.pendingHistory[:i:i], t.pendingHistory[i+1:]...)
				break
			}
		}
		return room
	}
	if len(t.pendingHistory) == 0 {
		return ""
	}
	room = t.pendingHistory[0]
	t.pendingHistory = t.pendingHistory[1:]
	return room
}

func frame(event string, data interface{}) ([]byte, error) {
	env, err := types.NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// decodeHistory accepts both a bare Message array and {room, messages}.
func decodeHistory(data json.RawMessage) (types.HistoryPayload, error) {
	var hist types.HistoryPayload
	if len(data) == 0 || string(data) == "null" {
		return hist, nil
	}
	if data[0] == '[' {
		err := json.Unmarshal(data, &hist.Messages)
		return hist, err
	}
	if err := json.Unmarshal(data, &hist); err != nil {
		return hist, err
	}
	return hist, nil
}

func decodeRooms(data json.RawMessage) ([]types.RoomKey, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var ids []types.ActorID
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedEvent, err)
	}
	rooms := make([]types.RoomKey, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			rooms = append(rooms, types.RoomKey(id))
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms, nil
}
