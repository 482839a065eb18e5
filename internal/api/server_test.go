package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolchat/internal/websocket"
	"schoolchat/pkg/types"
)

type stubRepo struct {
	rooms     []types.RoomKey
	messages  map[types.RoomKey][]types.Message
	lastLimit int
	err       error
}

func (r *stubRepo) StoreMessage(ctx context.Context, message *types.Message) error { return r.err }

func (r *stubRepo) RoomHistory(ctx context.Context, room types.RoomKey, limit int) ([]types.Message, error) {
	r.lastLimit = limit
	if r.err != nil {
		return nil, r.err
	}
	msgs := r.messages[room]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (r *stubRepo) TouchRoom(ctx context.Context, room types.RoomKey) error { return r.err }

func (r *stubRepo) ListRooms(ctx context.Context) ([]types.RoomKey, error) {
	return r.rooms, r.err
}

func (r *stubRepo) HealthCheck(ctx context.Context) error { return r.err }
func (r *stubRepo) Close() error                          { return nil }

type stubRegistry struct {
	active []types.RoomKey
}

func (r *stubRegistry) ActiveRooms() []types.RoomKey { return r.active }
func (r *stubRegistry) GetStats() map[string]int {
	return map[string]int{"total_connections": 2, "active_rooms": len(r.active)}
}

func do(t *testing.T, s *Server, path string, into interface{}) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if into != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), into), w.Body.String())
	}
	return w
}

func message(room types.RoomKey, content string, minute int) types.Message {
	return types.Message{
		ID:        content,
		Content:   content,
		Sender:    "42",
		Room:      room,
		CreatedAt: time.Date(2026, 3, 1, 9, minute, 0, 0, time.UTC),
	}
}

func TestServer_Health(t *testing.T) {
	s := NewServer(&stubRepo{}, &stubRegistry{}, nil, Config{}, zerolog.Nop())

	var resp HealthResponse
	w := do(t, s, "/health", &resp)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "pass", resp.Checks["storage"].Status)
	assert.Equal(t, 2, resp.Connections["total_connections"])
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestServer_HealthDegraded(t *testing.T) {
	s := NewServer(&stubRepo{err: errors.New("database is locked")}, &stubRegistry{}, nil, Config{}, zerolog.Nop())

	var resp HealthResponse
	w := do(t, s, "/health", &resp)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "fail", resp.Checks["storage"].Status)

	s = NewServer(nil, &stubRegistry{}, nil, Config{}, zerolog.Nop())
	w = do(t, s, "/health", &resp)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_ListRooms(t *testing.T) {
	repo := &stubRepo{rooms: []types.RoomKey{"42-7-3", "42-8-3", "1-7"}}
	registry := &stubRegistry{active: []types.RoomKey{"42-7-3", "42-7-5"}}
	s := NewServer(repo, registry, nil, Config{}, zerolog.Nop())

	tests := []struct {
		name string
		path string
		want []types.RoomKey
	}{
		{"all rooms merged and sorted", "/api/rooms", []types.RoomKey{"1-7", "42-7-3", "42-7-5", "42-8-3"}},
		{"by counterpart", "/api/rooms?counterpart=7", []types.RoomKey{"1-7", "42-7-3", "42-7-5"}},
		{"by counterpart and subject", "/api/rooms?counterpart=7&subject=3", []types.RoomKey{"42-7-3"}},
		{"no match", "/api/rooms?subject=99", []types.RoomKey{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp RoomsResponse
			w := do(t, s, tt.path, &resp)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, resp.Rooms)
		})
	}
}

func TestServer_ListRoomsStorageError(t *testing.T) {
	s := NewServer(&stubRepo{err: errors.New("boom")}, &stubRegistry{}, nil, Config{}, zerolog.Nop())

	var resp ErrorResponse
	w := do(t, s, "/api/rooms", &resp)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestServer_RoomMessages(t *testing.T) {
	const room = types.RoomKey("42-7-3")
	repo := &stubRepo{messages: map[types.RoomKey][]types.Message{
		room: {message(room, "uno", 1), message(room, "dos", 2), message(room, "tres", 3)},
	}}
	s := NewServer(repo, &stubRegistry{}, nil, Config{HistoryLimit: 2}, zerolog.Nop())

	var resp types.HistoryPayload
	w := do(t, s, "/api/rooms/42-7-3/messages", &resp)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, room, resp.Room)
	assert.Equal(t, 2, repo.lastLimit)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "dos", resp.Messages[0].Content)

	do(t, s, "/api/rooms/42-7-3/messages?limit=1", &resp)
	assert.Equal(t, 1, repo.lastLimit)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "tres", resp.Messages[0].Content)

	do(t, s, "/api/rooms/42-7-3/messages?limit=50", &resp)
	assert.Equal(t, 2, repo.lastLimit, "limit is capped")

	do(t, s, "/api/rooms/1-2-3/messages", &resp)
	assert.NotNil(t, resp.Messages)
	assert.Empty(t, resp.Messages)
}

func TestServer_RoomMessagesBadRequest(t *testing.T) {
	s := NewServer(&stubRepo{}, &stubRegistry{}, nil, Config{}, zerolog.Nop())

	for _, path := range []string{
		"/api/rooms/42/messages",
		"/api/rooms/a-b-c-d/messages",
		"/api/rooms/42-7-3/messages?limit=0",
		"/api/rooms/42-7-3/messages?limit=ten",
	} {
		var resp ErrorResponse
		w := do(t, s, path, &resp)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.NotEmpty(t, resp.Message, path)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := NewServer(&stubRepo{}, &stubRegistry{}, nil, Config{}, zerolog.Nop())
	do(t, s, "/api/rooms/42-7-3/messages", nil)

	w := do(t, s, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `schoolchat_http_requests_total{method="GET",path="/api/rooms/{room}/messages",status="200"}`)
}

func TestServer_NotFound(t *testing.T) {
	s := NewServer(&stubRepo{}, &stubRegistry{}, nil, Config{}, zerolog.Nop())
	w := do(t, s, "/ws", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "/ws is only mounted with a handler")
}

func TestServer_WebSocketMount(t *testing.T) {
	registry := websocket.NewRegistry()
	handler := websocket.NewHandler(registry, nil, nil, zerolog.Nop())
	s := NewServer(&stubRepo{}, registry, http.HandlerFunc(handler.HandleWebSocket), Config{}, zerolog.Nop())

	// a plain GET reaches the handler, which refuses to upgrade it
	w := do(t, s, "/ws", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, "/ws?user_id=4-2", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
