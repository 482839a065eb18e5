package interfaces

import (
	"context"

	"schoolchat/pkg/types"
)

// MessageRepository persists relayed messages and the room directory.
// The sqlite Manager and the RedisStore both implement it.
type MessageRepository interface {
	// StoreMessage persists a message. It must complete before fan-out so
	// a history snapshot never misses an echoed message.
	StoreMessage(ctx context.Context, message *types.Message) error

	// RoomHistory returns up to limit of the newest messages of room,
	// oldest first. limit <= 0 means no limit.
	RoomHistory(ctx context.Context, room types.RoomKey, limit int) ([]types.Message, error)

	// TouchRoom records that room exists so it shows up in ListRooms.
	TouchRoom(ctx context.Context, room types.RoomKey) error

	// ListRooms returns every known room key.
	ListRooms(ctx context.Context) ([]types.RoomKey, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
