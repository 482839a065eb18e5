package database

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "schoolchat/pkg/database"
	"schoolchat/pkg/interfaces"
	"schoolchat/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(id string, room types.RoomKey, offset time.Duration, content string) *types.Message {
	return &types.Message{
		ID:        id,
		Room:      room,
		Sender:    "42",
		Content:   content,
		CreatedAt: base.Add(offset),
	}
}

// exerciseRepository checks the behavior both backends share.
func exerciseRepository(t *testing.T, repo interfaces.MessageRepository, room types.RoomKey) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, repo.StoreMessage(ctx, msg("m2", room, 2*time.Second, "second")))
	require.NoError(t, repo.StoreMessage(ctx, msg("m1", room, time.Second, "first")))
	require.NoError(t, repo.StoreMessage(ctx, msg("m3", room, 3*time.Second, "third")))

	history, err := repo.RoomHistory(ctx, room, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"first", "second", "third"}, contents(history))
	assert.Equal(t, room, history[0].Room)
	assert.Equal(t, "42", history[0].Sender)
	assert.True(t, history[0].CreatedAt.Equal(base.Add(time.Second)))

	newest, err := repo.RoomHistory(ctx, room, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "third"}, contents(newest))

	empty, err := repo.RoomHistory(ctx, room+"0", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, repo.TouchRoom(ctx, room+"9"))
	require.NoError(t, repo.TouchRoom(ctx, room+"9"))
	rooms, err := repo.ListRooms(ctx)
	require.NoError(t, err)
	assert.Contains(t, rooms, room)
	assert.Contains(t, rooms, room+"9")

	require.NoError(t, repo.HealthCheck(ctx))
}

func contents(messages []types.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.Content
	}
	return out
}

func TestManager_Repository(t *testing.T) {
	exerciseRepository(t, setupTestDB(t), "42-7-3")
}

func TestManager_ListRoomsSorted(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, manager.TouchRoom(ctx, "9-1-1"))
	require.NoError(t, manager.StoreMessage(ctx, msg("a", "1-2-3", 0, "hi")))
	require.NoError(t, manager.TouchRoom(ctx, "5-5"))

	rooms, err := manager.ListRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []types.RoomKey{"1-2-3", "5-5", "9-1-1"}, rooms)
}

func TestManager_SameTimestampKeepsInsertOrder(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.StoreMessage(ctx, msg(fmt.Sprintf("m%d", i), "1-2", 0, fmt.Sprintf("c%d", i))))
	}
	history, err := manager.RoomHistory(ctx, "1-2", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"c0", "c1", "c2", "c3", "c4"}, contents(history))
}

func TestManager_DuplicateIDIsConstraintError(t *testing.T) {
	manager := setupTestDB(t)
	manager.retryDelay = time.Millisecond
	ctx := context.Background()

	require.NoError(t, manager.StoreMessage(ctx, msg("dup", "1-2", 0, "a")))
	err := manager.StoreMessage(ctx, msg("dup", "1-2", time.Second, "b"))
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestManager_ReopenKeepsData(t *testing.T) {
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first, err := NewManager(config, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.StoreMessage(ctx, msg("a", "1-2", 0, "kept")))
	require.NoError(t, first.Close())

	second, err := NewManager(config, zerolog.Nop())
	require.NoError(t, err)
	defer second.Close()

	history, err := second.RoomHistory(ctx, "1-2", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, contents(history))
}

func TestManager_InvalidConfig(t *testing.T) {
	config := dbconfig.DefaultConfig()
	config.DatabasePath = ""
	_, err := NewManager(config, zerolog.Nop())
	assert.Error(t, err)
}

func TestManager_ConcurrentWrites(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				id := fmt.Sprintf("w%d-%d", w, i)
				assert.NoError(t, manager.StoreMessage(ctx, msg(id, "1-2", time.Duration(i)*time.Millisecond, id)))
			}
		}(w)
	}
	wg.Wait()

	history, err := manager.RoomHistory(ctx, "1-2", 0)
	require.NoError(t, err)
	assert.Len(t, history, 50)
}

func TestManager_Close(t *testing.T) {
	manager := setupTestDB(t)

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	err := manager.TouchRoom(context.Background(), "1-2")
	assert.ErrorIs(t, err, ErrClosed)
}
