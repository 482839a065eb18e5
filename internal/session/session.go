// Package session binds one chat screen to one room.
//
// A Session owns a MessageStore and runs a single event loop goroutine.
// User actions and transport events are both posted to that loop, so the
// store is never touched concurrently. Each join gets a new epoch; handlers
// registered for a join carry its epoch and anything that arrives for an
// older epoch or another room is dropped.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"schoolchat/internal/metrics"
	"schoolchat/internal/roomkey"
	"schoolchat/internal/store"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

// State of the room lifecycle.
type State int

const (
	Idle State = iota
	Resolving
	Active
	Leaving
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case Active:
		return "active"
	case Leaving:
		return "leaving"
	default:
		return "idle"
	}
}

// ConnectionState is the session's view of its room membership. Without a
// room it is always Disconnected.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Joined
)

func (c ConnectionState) String() string {
	switch c {
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	default:
		return "disconnected"
	}
}

// Side says which id of the selection is the local user.
type Side int

const (
	// ParticipantSide is the parent/student screen.
	ParticipantSide Side = iota
	// CounterpartSide is the professor screen.
	CounterpartSide
)

// Options tunes a Session. Zero fields take the defaults.
type Options struct {
	HistoryTimeout time.Duration
	ConfirmWindow  time.Duration
	StaleAfter     time.Duration
	Clock          func() time.Time
}

// DefaultOptions returns the defaults used by New.
func DefaultOptions() Options {
	return Options{
		HistoryTimeout: 10 * time.Second,
		ConfirmWindow:  store.DefaultConfirmWindow,
		StaleAfter:     10 * time.Second,
		Clock:          time.Now,
	}
}

// Snapshot is a consistent copy of the session state for rendering.
type Snapshot struct {
	State      State
	Selection  roomkey.Selection
	Room       types.RoomKey
	Connection ConnectionState
	Messages   []types.Message
	Stale      []types.Message
	Rooms      []types.RoomKey
	Err        error
	Epoch      uint64
}

// Session is a RoomSession bound to a shared transport.
type Session struct {
	transport interfaces.Transport
	side      Side
	opts      Options
	logger    zerolog.Logger

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	changes   chan struct{}
	closeOnce sync.Once

	lastMu sync.Mutex
	last   Snapshot

	// owned by the loop
	state       State
	sel         roomkey.Selection
	room        types.RoomKey
	messages    *store.Store
	conn        ConnectionState
	epoch       uint64
	roomSubs    []types.Subscription
	globalSubs  []types.Subscription
	awaiting    bool
	historySeq  uint64
	historyTime *time.Timer
	rooms       []types.RoomKey
	roomFilter  [2]string
	lastErr     error
}

// New starts a session on t. The session registers for connection state
// and room list events immediately; room scoped handlers are added on Select.
func New(t interfaces.Transport, side Side, logger zerolog.Logger, opts Options) *Session {
	def := DefaultOptions()
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = def.HistoryTimeout
	}
	if opts.ConfirmWindow <= 0 {
		opts.ConfirmWindow = def.ConfirmWindow
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}

	s := &Session{
		transport: t,
		side:      side,
		opts:      opts,
		logger:    logger.With().Str("component", "session").Logger(),
		events:    make(chan func(), 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		changes:   make(chan struct{}, 1),
	}
	s.globalSubs = []types.Subscription{
		t.OnStateChange(func(cs types.ConnState) {
			s.post(func() { s.onConnState(cs) })
		}),
		t.Subscribe(types.KindRoomList, func(ev types.Event) {
			s.post(func() { s.onRooms(ev.Rooms) })
		}),
	}
	go s.run()
	return s
}

// Select switches the session to the room of sel. Selecting the current
// room again is a no-op. An incomplete selection fails with
// types.ErrInvalidSelection and, if a room was active, tears it down.
func (s *Session) Select(ctx context.Context, sel roomkey.Selection) error {
	return s.do(ctx, func() error { return s.selectRoom(sel) })
}

// Send appends content optimistically and transmits it. On failure the
// entry stays in the log marked failed and the error wraps
// types.ErrSendFailed.
func (s *Session) Send(ctx context.Context, content string) (types.Message, error) {
	var msg types.Message
	err := s.do(ctx, func() error {
		var err error
		msg, err = s.send(content)
		return err
	})
	return msg, err
}

// Refresh requests a new history snapshot for the current room.
func (s *Session) Refresh(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.room == "" {
			return ErrNoActiveRoom
		}
		if s.conn != Joined {
			return fmt.Errorf("%w: %w", types.ErrHistoryFetchFailed, types.ErrTransportUnavailable)
		}
		return s.requestHistory()
	})
}

// RequestRooms asks for the room directory. Snapshot.Rooms is filled with
// the keys matching counterpart and subject once the reply arrives; empty
// filters match everything.
func (s *Session) RequestRooms(ctx context.Context, counterpart, subject string) error {
	return s.do(ctx, func() error {
		s.roomFilter = [2]string{counterpart, subject}
		return s.transport.RequestRooms()
	})
}

// Leave tears down the current room. It is a no-op when no room is joined.
func (s *Session) Leave(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.room == "" {
			return nil
		}
		s.teardown()
		s.notify()
		return nil
	})
}

// Snapshot returns the current state. After Close it returns the final state.
func (s *Session) Snapshot() Snapshot {
	var snap Snapshot
	err := s.do(context.Background(), func() error {
		snap = s.build()
		return nil
	})
	if err != nil {
		s.lastMu.Lock()
		snap = s.last
		s.lastMu.Unlock()
	}
	return snap
}

// Changes is signalled after every state change and closed by Close.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Close leaves the room, removes every transport subscription and stops
// the loop. Teardown always happens once the loop has stopped; ctx only
// bounds how long Close waits for that.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		select {
		case <-s.done:
			s.shutdown()
		case <-ctx.Done():
			err = ctx.Err()
			go func() {
				<-s.done
				s.shutdown()
			}()
		}
	})
	return err
}

// shutdown runs after the loop has exited and owns the loop state.
func (s *Session) shutdown() {
	if s.room != "" {
		s.teardown()
	}
	for _, sub := range s.globalSubs {
		s.transport.Unsubscribe(sub)
	}
	s.globalSubs = nil
	snap := s.build()
	s.lastMu.Lock()
	s.last = snap
	s.lastMu.Unlock()
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.changes)
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case <-s.quit:
		return ErrSessionClosed
	default:
	}
	select {
	case s.events <- func() { res <- fn() }:
	case <-s.quit:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn from a transport handler.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.quit:
	}
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) selectRoom(sel roomkey.Selection) error {
	key, err := sel.Key()
	if err != nil {
		if s.room != "" {
			s.logger.Info().Str("room", s.room.String()).Msg("selection incomplete, leaving room")
			s.teardown()
		}
		s.lastErr = err
		s.notify()
		return err
	}
	if key == s.room {
		return nil
	}
	if s.room != "" {
		s.teardown()
	}

	s.epoch++
	s.state = Resolving
	s.sel = sel
	s.room = key
	s.lastErr = nil
	s.messages = store.New(key, store.WithConfirmWindow(s.opts.ConfirmWindow), store.WithClock(s.opts.Clock))
	s.subscribeRoom()
	s.logger.Info().Str("room", key.String()).Uint64("epoch", s.epoch).Msg("room selected")

	s.join()
	s.notify()
	return nil
}

// subscribeRoom registers the handlers of the current join. They capture
// the epoch so late deliveries for a superseded join are ignored.
func (s *Session) subscribeRoom() {
	epoch := s.epoch
	s.roomSubs = []types.Subscription{
		s.transport.Subscribe(types.KindNewMessage, func(ev types.Event) {
			s.post(func() { s.onMessage(epoch, ev.Message) })
		}),
		s.transport.Subscribe(types.KindMessageHistory, func(ev types.Event) {
			s.post(func() { s.onHistory(epoch, ev.History) })
		}),
	}
}

// join sends joinRoom and requests history. While the transport is down
// the room is only remembered; onConnState joins once it is back.
func (s *Session) join() {
	if err := s.transport.JoinRoom(s.room); err != nil {
		if errors.Is(err, types.ErrTransportUnavailable) {
			s.conn = Disconnected
			if s.transport.State() == types.ConnConnecting {
				s.conn = Connecting
			}
			s.lastErr = fmt.Errorf("%w: joining %s once connected", types.ErrTransportUnavailable, s.room)
			s.logger.Debug().Str("room", s.room.String()).Msg("transport down, join deferred")
			return
		}
		s.lastErr = err
		s.logger.Warn().Err(err).Str("room", s.room.String()).Msg("join failed")
		return
	}
	s.conn = Joined
	if errors.Is(s.lastErr, types.ErrTransportUnavailable) && !errors.Is(s.lastErr, types.ErrSendFailed) {
		s.lastErr = nil
	}
	if err := s.requestHistory(); err != nil {
		s.logger.Warn().Err(err).Str("room", s.room.String()).Msg("history request failed")
	}
}

func (s *Session) requestHistory() error {
	if err := s.transport.RequestHistory(s.room); err != nil {
		err = fmt.Errorf("%w: %w", types.ErrHistoryFetchFailed, err)
		s.historyFailed(err)
		return err
	}
	s.stopHistoryTimer()
	s.awaiting = true
	s.historySeq++
	epoch, seq := s.epoch, s.historySeq
	s.historyTime = time.AfterFunc(s.opts.HistoryTimeout, func() {
		s.post(func() { s.onHistoryTimeout(epoch, seq) })
	})
	return nil
}

func (s *Session) stopHistoryTimer() {
	if s.historyTime != nil {
		s.historyTime.Stop()
		s.historyTime = nil
	}
}

// historyFailed leaves the room usable: live messages keep accumulating.
func (s *Session) historyFailed(err error) {
	s.stopHistoryTimer()
	s.awaiting = false
	s.lastErr = err
	if s.state == Resolving {
		s.state = Active
	}
	s.notify()
}

// teardown unsubscribes the room handlers, then leaves the room.
func (s *Session) teardown() {
	s.state = Leaving
	for _, sub := range s.roomSubs {
		s.transport.Unsubscribe(sub)
	}
	s.roomSubs = nil
	s.stopHistoryTimer()
	s.awaiting = false

	if err := s.transport.LeaveRoom(s.room); err != nil {
		s.logger.Debug().Err(err).Str("room", s.room.String()).Msg("leaveRoom not sent")
	}
	s.logger.Info().Str("room", s.room.String()).Msg("room left")

	s.epoch++
	s.room = ""
	s.sel = roomkey.Selection{}
	s.messages = nil
	s.conn = Disconnected
	s.state = Idle
}

func (s *Session) send(content string) (types.Message, error) {
	if s.room == "" {
		return types.Message{}, ErrNoActiveRoom
	}
	payload := types.SendMessagePayload{Content: content, Sender: s.sender(), Room: s.room}
	if err := payload.Validate(); err != nil {
		return types.Message{}, err
	}

	msg := s.messages.AppendLocal(content, payload.Sender)
	if err := s.transport.Send(payload); err != nil {
		s.messages.MarkFailed(msg.LocalID)
		msg.Status = types.StatusFailed
		err = fmt.Errorf("%w: %w", types.ErrSendFailed, err)
		s.lastErr = err
		s.logger.Warn().Err(err).Str("room", s.room.String()).Str("local_id", msg.LocalID).Msg("send failed")
		s.notify()
		return msg, err
	}
	s.notify()
	return msg, nil
}

func (s *Session) sender() string {
	if s.side == CounterpartSide {
		return s.sel.Counterpart
	}
	return s.sel.Participant
}

func (s *Session) onMessage(epoch uint64, msg *types.Message) {
	if epoch != s.epoch || msg == nil || s.messages == nil {
		return
	}
	switch outcome := s.messages.Receive(*msg); outcome {
	case store.WrongRoom, store.Duplicate:
		s.logger.Debug().Str("room", msg.Room.String()).Stringer("outcome", outcome).Msg("message dropped")
		return
	case store.Reconciled:
		metrics.ReconciledMessages.Inc()
	}
	s.notify()
}

func (s *Session) onHistory(epoch uint64, hist *types.HistoryEvent) {
	if epoch != s.epoch || hist == nil || hist.Room != s.room {
		if hist != nil {
			s.logger.Debug().Str("room", hist.Room.String()).Msg("stale history discarded")
		}
		return
	}
	if hist.Err != "" {
		s.historyFailed(fmt.Errorf("%w: %s", types.ErrHistoryFetchFailed, hist.Err))
		return
	}
	s.stopHistoryTimer()
	s.awaiting = false
	s.messages.ReplaceHistory(hist.Messages)
	s.state = Active
	if errors.Is(s.lastErr, types.ErrHistoryFetchFailed) {
		s.lastErr = nil
	}
	s.notify()
}

func (s *Session) onHistoryTimeout(epoch, seq uint64) {
	if epoch != s.epoch || seq != s.historySeq || !s.awaiting {
		return
	}
	s.logger.Warn().Str("room", s.room.String()).Dur("timeout", s.opts.HistoryTimeout).Msg("history request timed out")
	s.historyFailed(fmt.Errorf("%w: %w", types.ErrHistoryFetchFailed, ErrHistoryTimeout))
}

// onConnState rejoins the current room exactly once per new connection.
func (s *Session) onConnState(cs types.ConnState) {
	if s.room == "" {
		return
	}
	switch cs {
	case types.ConnConnected:
		if s.conn == Joined {
			return
		}
		s.logger.Info().Str("room", s.room.String()).Msg("connection back, rejoining")
		s.join()
	case types.ConnConnecting:
		s.conn = Connecting
	default:
		s.conn = Disconnected
	}
	s.notify()
}

func (s *Session) onRooms(rooms []types.RoomKey) {
	s.rooms = roomkey.FilterRooms(rooms, s.roomFilter[0], s.roomFilter[1])
	s.notify()
}

func (s *Session) build() Snapshot {
	snap := Snapshot{
		State:      s.state,
		Selection:  s.sel,
		Room:       s.room,
		Connection: s.conn,
		Rooms:      append([]types.RoomKey(nil), s.rooms...),
		Err:        s.lastErr,
		Epoch:      s.epoch,
	}
	if s.messages != nil {
		snap.Messages = s.messages.Messages()
		snap.Stale = s.messages.Stale(s.opts.StaleAfter)
	}
	return snap
}
