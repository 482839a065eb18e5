package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolchat/internal/websocket"
	"schoolchat/pkg/types"
)

const room = types.RoomKey("42-7-3")

var testUpgrader = gorillaws.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// member is a registered relay connection plus the frames its peer received.
type member struct {
	conn     *websocket.Connection
	received chan types.Envelope
}

func (m *member) next(t *testing.T) types.Envelope {
	t.Helper()
	select {
	case env := <-m.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
		return types.Envelope{}
	}
}

func (m *member) none(t *testing.T) {
	t.Helper()
	select {
	case env := <-m.received:
		t.Fatalf("unexpected frame %s", env.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func newMember(t *testing.T, registry *websocket.Registry, rooms ...types.RoomKey) *member {
	t.Helper()
	received := make(chan types.Envelope, 16)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			var env types.Envelope
			if err := c.ReadJSON(&env); err != nil {
				return
			}
			received <- env
		}
	}))
	t.Cleanup(server.Close)

	wsConn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	conn := websocket.NewConnection(wsConn, "", 0)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, registry.RegisterConnection(conn))
	for _, r := range rooms {
		_, err := registry.Join(conn, r)
		require.NoError(t, err)
	}
	return &member{conn: conn, received: received}
}

type memoryRepo struct {
	mu       sync.Mutex
	messages []types.Message
	fail     error
}

func (r *memoryRepo) StoreMessage(ctx context.Context, message *types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.messages = append(r.messages, *message)
	return nil
}

func (r *memoryRepo) RoomHistory(ctx context.Context, room types.RoomKey, limit int) ([]types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Message
	for _, m := range r.messages {
		if m.Room == room {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memoryRepo) TouchRoom(ctx context.Context, room types.RoomKey) error { return nil }
func (r *memoryRepo) ListRooms(ctx context.Context) ([]types.RoomKey, error) { return nil, nil }
func (r *memoryRepo) HealthCheck(ctx context.Context) error { return nil }
func (r *memoryRepo) Close() error { return nil }

func payload(content string) types.SendMessagePayload {
	return types.SendMessagePayload{Content: content, Sender: "42", Room: room}
}

func TestRouter_FanOutIncludesSender(t *testing.T) {
	registry := websocket.NewRegistry()
	repo := &memoryRepo{}
	r := NewRouter(registry, repo, Config{}, zerolog.Nop())
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("CLT", -3*3600))
	r.now = func() time.Time { return fixed }

	sender := newMember(t, registry, room)
	peer := newMember(t, registry, room)
	outsider := newMember(t, registry, "42-7-4")

	message, err := r.RouteMessage(context.Background(), sender.conn, payload("hola"))
	require.NoError(t, err)
	assert.NotEmpty(t, message.ID)
	assert.Equal(t, time.UTC, message.CreatedAt.Location())
	assert.True(t, message.CreatedAt.Equal(fixed))

	for _, m := range []*member{sender, peer} {
		env := m.next(t)
		assert.Equal(t, types.EventNewMessage, env.Event)
		var got types.Message
		require.NoError(t, json.Unmarshal(env.Data, &got))
		assert.Equal(t, "hola", got.Content)
		assert.Equal(t, "42", got.Sender)
		assert.Equal(t, room, got.Room)
		assert.Equal(t, message.ID, got.ID)
	}
	outsider.none(t)

	require.Len(t, repo.messages, 1)
	assert.Equal(t, message.ID, repo.messages[0].ID)
}

func TestRouter_ValidateMessage(t *testing.T) {
	registry := websocket.NewRegistry()
	r := NewRouter(registry, &memoryRepo{}, Config{MaxContentLength: 5}, zerolog.Nop())
	sender := newMember(t, registry, room)
	stranger := newMember(t, registry)

	assert.ErrorIs(t, r.ValidateMessage(nil, payload("x")), ErrSenderNotConnected)
	assert.ErrorIs(t, r.ValidateMessage(sender.conn, payload("   ")), types.ErrEmptyContent)
	assert.ErrorIs(t, r.ValidateMessage(sender.conn, payload("toolong")), types.ErrContentTooLarge)
	assert.ErrorIs(t, r.ValidateMessage(stranger.conn, payload("hi")), ErrSenderNotInRoom)

	bad := payload("hi")
	bad.Room = "42"
	assert.ErrorIs(t, r.ValidateMessage(sender.conn, bad), types.ErrInvalidRoomKey)

	bad = payload("hi")
	bad.Sender = "4-2"
	assert.ErrorIs(t, r.ValidateMessage(sender.conn, bad), types.ErrInvalidActorID)

	assert.NoError(t, r.ValidateMessage(sender.conn, payload("hola")))
}

func TestRouter_PersistFailureSkipsFanOut(t *testing.T) {
	registry := websocket.NewRegistry()
	repo := &memoryRepo{fail: errors.New("disk full")}
	r := NewRouter(registry, repo, Config{}, zerolog.Nop())
	sender := newMember(t, registry, room)

	_, err := r.RouteMessage(context.Background(), sender.conn, payload("hola"))
	assert.ErrorIs(t, err, ErrPersistFailed)
	sender.none(t)
}

func TestRouter_RateLimit(t *testing.T) {
	registry := websocket.NewRegistry()
	r := NewRouter(registry, nil, Config{RateLimitPerMin: 2}, zerolog.Nop())
	sender := newMember(t, registry, room)
	ctx := context.Background()

	_, err := r.RouteMessage(ctx, sender.conn, payload("1"))
	require.NoError(t, err)
	_, err = r.RouteMessage(ctx, sender.conn, payload("2"))
	require.NoError(t, err)
	_, err = r.RouteMessage(ctx, sender.conn, payload("3"))
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	other := newMember(t, registry, room)
	_, err = r.RouteMessage(ctx, other.conn, payload("4"))
	assert.NoError(t, err, "limits are per connection")
}
