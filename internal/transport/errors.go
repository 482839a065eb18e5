package transport

import "errors"

var (
	ErrClosed          = errors.New("transport closed")
	ErrSendBufferFull  = errors.New("transport send buffer full")
	ErrInvalidURL      = errors.New("transport url must be a ws:// or wss:// address")
	ErrUnexpectedEvent = errors.New("unexpected event payload")
)
