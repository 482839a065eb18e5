package types

import "errors"

// Chat subsystem error taxonomy. None of these is fatal; callers recover by
// re-selecting or waiting for the reconnect loop.
var (
	ErrInvalidSelection     = errors.New("invalid selection: every room key input must resolve to an id")
	ErrTransportUnavailable = errors.New("chat transport unavailable")
	ErrHistoryFetchFailed   = errors.New("message history fetch failed")
	ErrSendFailed           = errors.New("message send failed")
)

var (
	ErrInvalidRoomKey  = errors.New("invalid room key")
	ErrInvalidActorID  = errors.New("actor id must be non-empty and must not contain '-'")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrContentTooLarge = errors.New("message content exceeds 4096 characters")
	ErrEmptyContent    = errors.New("message content is empty")
)
