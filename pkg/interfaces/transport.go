package interfaces

import (
	"context"

	"schoolchat/pkg/types"
)

// Transport is the process-wide chat connection as seen by a RoomSession.
// One instance lives for the whole process; sessions borrow it and must
// remove every subscription they registered when they are torn down.
type Transport interface {
	// Connect establishes the connection if it is not already up. On failure
	// the transport stays disconnected and schedules a reconnect with backoff.
	Connect(ctx context.Context) error

	// State returns the current connection state.
	State() types.ConnState

	// JoinRoom and LeaveRoom are fire-and-forget membership signals. Joining
	// an already joined room and leaving an unjoined room are no-ops.
	JoinRoom(room types.RoomKey) error
	LeaveRoom(room types.RoomKey) error

	// Send transmits one message at most once. There is no ack or retry.
	Send(msg types.SendMessagePayload) error

	// RequestHistory asks for a messageHistory snapshot of room.
	RequestHistory(room types.RoomKey) error

	// RequestRooms asks for the roomList directory.
	RequestRooms() error

	// Subscribe registers handler for kind. Unsubscribe of an unknown
	// subscription is a no-op.
	Subscribe(kind types.EventKind, handler types.Handler) types.Subscription
	Unsubscribe(sub types.Subscription)

	// OnStateChange registers a listener for connection state transitions.
	// The returned subscription is removed with Unsubscribe.
	OnStateChange(fn func(types.ConnState)) types.Subscription
}
