package database

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolchat/pkg/types"
)

// The Redis tests need a live server, e.g.
// SCHOOLCHAT_TEST_REDIS_URL=redis://localhost:6379/15 go test ./internal/database
func newTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	url := os.Getenv("SCHOOLCHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SCHOOLCHAT_TEST_REDIS_URL not set")
	}
	store, err := NewRedisStore(context.Background(), url, time.Minute, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRoomMessagesKey(t *testing.T) {
	assert.Equal(t, "room:42-7-3:messages", roomMessagesKey("42-7-3"))
}

func TestIdleCutoff(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	assert.Equal(t, "1699999940000", idleCutoff(now, time.Minute))
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "localhost:6379", 0, zerolog.Nop())
	assert.Error(t, err)
}

func TestRedisStore_Repository(t *testing.T) {
	store := newTestRedis(t)
	room := types.RoomKey(fmt.Sprintf("t%d-7-3", time.Now().UnixNano()))
	t.Cleanup(func() {
		ctx := context.Background()
		store.client.Del(ctx, roomMessagesKey(room))
		store.client.ZRem(ctx, roomsKey, string(room), string(room+"9"))
	})

	exerciseRepository(t, store, room)

	ttl, err := store.client.TTL(context.Background(), roomMessagesKey(room)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRedisStore_ListRoomsDropsIdleRooms(t *testing.T) {
	store := newTestRedis(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("t%d", time.Now().UnixNano())
	fresh := types.RoomKey(prefix + "-7-3")
	idle := types.RoomKey(prefix + "-7-4")
	t.Cleanup(func() {
		store.client.Del(ctx, roomMessagesKey(fresh), roomMessagesKey(idle))
		store.client.ZRem(ctx, roomsKey, string(fresh), string(idle))
	})

	require.NoError(t, store.TouchRoom(ctx, fresh))
	require.NoError(t, store.client.ZAdd(ctx, roomsKey, redis.Z{
		Score:  float64(time.Now().Add(-2 * time.Minute).UnixMilli()),
		Member: string(idle),
	}).Err())

	rooms, err := store.ListRooms(ctx)
	require.NoError(t, err)
	assert.Contains(t, rooms, fresh)
	assert.NotContains(t, rooms, idle)

	_, err = store.client.ZScore(ctx, roomsKey, string(idle)).Result()
	assert.ErrorIs(t, err, redis.Nil)
}
